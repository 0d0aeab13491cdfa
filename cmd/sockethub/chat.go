package main

import (
	"strings"

	"github.com/Automattic/sockethub"
)

// chatKey partitions messages by room.
type chatKey struct {
	RoomID string `json:"room_id"`
}

// chatMsg is the payload exchanged on a room's topic.
type chatMsg struct {
	Author string `json:"author"`
	Text   string `json:"text"`
}

// socketCtx is the per-connection context the permission hooks see: the
// user id the client identified with at upgrade time and the room table
// loaded from config.
type socketCtx struct {
	userID string
	rooms  map[string]roomConfig
}

// registerHooks wires the demo's permission filter and sanitizing send
// mapper into the hub.
func registerHooks(hub *sockethub.Hub[socketCtx]) {
	sockethub.AddPermissionFilter(hub, roomPermission)
	sockethub.AddSendMapper(hub, sanitizeChatMsg)
}

// roomPermission grades access to one room. Rooms not in the config are
// open; for configured private rooms, members may publish, readers may
// only listen, everyone else is denied.
func roomPermission(key chatKey, ctx *socketCtx) sockethub.Level {
	room, ok := ctx.rooms[key.RoomID]
	if !ok || !room.Private {
		return sockethub.Allow
	}
	for _, u := range room.Members {
		if u == ctx.userID {
			return sockethub.Allow
		}
	}
	for _, u := range room.Readers {
		if u == ctx.userID {
			return sockethub.ReadOnly
		}
	}
	return sockethub.Deny
}

// sanitizeChatMsg trims chat text, stamps the author from the connection
// context (clients don't get to impersonate), and vetoes empty messages.
func sanitizeChatMsg(key chatKey, msg chatMsg, ctx *socketCtx) (chatMsg, bool) {
	msg.Text = strings.TrimSpace(msg.Text)
	if msg.Text == "" {
		return chatMsg{}, false
	}
	if ctx.userID != "" {
		msg.Author = ctx.userID
	}
	return msg, true
}
