// Package sockethub multiplexes many logical pubsub topics over one
// persistent websocket per client.
//
// A Hub maps application-defined topic keys to broadcast channels. Keys
// are arbitrary JSON-encodable values; two keys that encode to the same
// canonical JSON name the same topic. Clients speak a small control
// protocol over a single websocket endpoint (DefaultSocketPath):
//
//	{"Subscribe":   {"key": {"room_id": "r1"}}}
//	{"Unsubscribe": {"key": {"room_id": "r1"}}}
//	{"Msg":         {"key": {"room_id": "r1"}, "msg": {"text": "hi"}}}
//
// Everything is as ephemeral as can be. A message is fanned out to the
// subscribers connected at publish time (if any) and then forgotten.
// There is no replay, no persistence, and a slow subscriber loses its
// oldest buffered messages rather than slowing the topic down.
//
// Subscribing and publishing are gated by permission filters registered
// with AddPermissionFilter. Outbound messages can be rewritten or vetoed
// by send mappers registered with AddSendMapper. Both kinds of hook
// receive the per-connection context value the application supplies at
// upgrade time, so authorization decisions can use whatever the handler
// learned about the caller.
//
// Each accepted connection is minted a ClientID, round-tripped to the
// browser in a strict HTTP-only cookie, so unrelated request handlers can
// address exactly that connection with SendDirect or SendToCaller without
// any topic being involved.
//
// Server-side code publishes in-process:
//
//	hub := sockethub.NewHub[MyCtx]()
//	http.Handle(sockethub.DefaultSocketPath, sockethub.Handler(hub, myCtxFn))
//	hub.Publish(RoomKey{Room: "r1"}, Note{Text: "hello"})
//
// See cmd/sockethub for a complete chat server built on the package.
package sockethub
