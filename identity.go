package sockethub

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// ClientCookieName is the cookie carrying a connection's ClientID back
// to the browser.
const ClientCookieName = "socket_client_id"

// ClientID identifies one live websocket connection. A fresh ID is
// minted per accepted connection and round-tripped via a strict,
// HTTP-only cookie so that unrelated same-origin handlers can address
// the caller's connection.
type ClientID uuid.UUID

func newClientID() ClientID { return ClientID(uuid.New()) }

func (id ClientID) String() string { return uuid.UUID(id).String() }

// ParseClientID parses the canonical text form of a ClientID.
func ParseClientID(s string) (ClientID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ClientID{}, fmt.Errorf("sockethub: invalid client id %q: %w", s, err)
	}
	return ClientID(u), nil
}

// ErrNoIdentityCookie is returned when a request carries no
// socket_client_id cookie at all.
var ErrNoIdentityCookie = errors.New("sockethub: no " + ClientCookieName + " cookie in request")

// ClientIDFromRequest resolves the caller's ClientID from the identity
// cookie. Absent or unparseable cookies surface a descriptive error
// rather than a silent no-op, because the caller is about to address a
// specific connection and should know why that cannot work.
func ClientIDFromRequest(r *http.Request) (ClientID, error) {
	c, err := r.Cookie(ClientCookieName)
	if err != nil {
		return ClientID{}, ErrNoIdentityCookie
	}
	return ParseClientID(c.Value)
}

// identityCookie builds the Set-Cookie value attached to the upgrade
// response in the Connecting state.
func identityCookie(id ClientID) *http.Cookie {
	return &http.Cookie{
		Name:     ClientCookieName,
		Value:    id.String(),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}
