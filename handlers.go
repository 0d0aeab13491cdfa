package sockethub

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// DefaultSocketPath is the upgrade route clients connect to.
const DefaultSocketPath = "/socket-msg"

type wsHandler[C any] struct {
	hub      *Hub[C]
	ctxFn    func(*http.Request) C
	upgrader websocket.Upgrader
}

// Handler returns the http.Handler for the websocket upgrade route.
// ctxFn builds the connection's context value from the upgrade request
// (query parameters, headers, whatever the application authenticated
// with); it may be nil, in which case every connection gets the zero C.
// Any origin is accepted; use HandlerWithOrigin to restrict.
func Handler[C any](h *Hub[C], ctxFn func(*http.Request) C) http.Handler {
	return HandlerWithOrigin(h, ctxFn, "")
}

// HandlerWithOrigin is Handler with Origin checking: requests whose
// Origin header does not match origin (scheme://host[:port]) are
// rejected before the upgrade. Empty origin accepts anything.
func HandlerWithOrigin[C any](h *Hub[C], ctxFn func(*http.Request) C, origin string) http.Handler {
	wsh := &wsHandler[C]{hub: h, ctxFn: ctxFn}
	wsh.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if origin == "" {
				return true
			}
			return r.Header.Get("Origin") == origin
		},
	}
	return wsh
}

// ServeHTTP mints the connection's ClientID, sets the identity cookie on
// the upgrade response (the Connecting state) and runs the session until
// it closes.
func (wsh *wsHandler[C]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := newClientID()
	hdr := http.Header{}
	hdr.Add("Set-Cookie", identityCookie(id).String())

	ws, err := wsh.upgrader.Upgrade(w, r, hdr)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	var ctx C
	if wsh.ctxFn != nil {
		ctx = wsh.ctxFn(r)
	}
	s := newSession(wsh.hub, websocketInteractor{ws}, id, &ctx)
	s.run()
}
