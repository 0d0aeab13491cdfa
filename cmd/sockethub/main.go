// Command sockethub runs a small room chat built on the sockethub
// package.
//
//	sockethub -addr=:8081 -config=rooms.yaml
//
// Browsers open ws://host/socket-msg?user_id=NAME and speak the
// sockethub control protocol. Rooms listed as private in the config are
// gated by a permission filter; a send mapper stamps the author and
// drops empty messages.
//
//	GET  /rooms/{room}   serves an HTML client for the room
//	POST /rooms/{room}   publishes the body to the room, server-side
//	POST /echo           replies directly to the calling connection
package main

import (
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/facebookgo/httpdown"
	"github.com/gorilla/mux"

	"github.com/Automattic/sockethub"
)

func main() {
	server := &http.Server{
		Addr: "127.0.0.1:8081",
	}
	hd := &httpdown.HTTP{
		StopTimeout: 10 * time.Second,
		KillTimeout: 1 * time.Second,
	}

	flag.StringVar(&server.Addr, "addr", server.Addr, "http service address")
	flag.DurationVar(&hd.StopTimeout, "stop-timeout", hd.StopTimeout, "stop timeout")
	flag.DurationVar(&hd.KillTimeout, "kill-timeout", hd.KillTimeout, "kill timeout")
	origin := flag.String("origin", "", "websocket server checks Origin headers against this scheme://host[:port]")
	cfgPath := flag.String("config", "", "YAML room configuration file")
	mtick := flag.Duration("metrics.tick", 60*time.Second, "duration between metrics reports")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	if *verbose {
		// slog.SetLogLoggerLevel needs Go 1.22; this toolchain is 1.21.
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	cfg := defaultConfig()
	if *cfgPath != "" {
		var err error
		cfg, err = loadConfig(*cfgPath)
		if err != nil {
			slog.Error("sockethub: config", "error", err)
			os.Exit(1)
		}
	}

	hub := sockethub.NewHub[socketCtx]()
	defer hub.Close()
	registerHooks(hub)

	server.Handler = newHandler(hub, cfg, *origin)

	sockethub.StartMetrics(*mtick)
	defer sockethub.FinalMetrics()

	slog.Info("sockethub: serving", "addr", server.Addr, "rooms", len(cfg.Rooms))
	if err := httpdown.ListenAndServe(server, hd); err != nil {
		slog.Error("sockethub: serve", "error", err)
		os.Exit(1)
	}
}

func newHandler(hub *sockethub.Hub[socketCtx], cfg *config, origin string) http.Handler {
	ctxFn := func(r *http.Request) socketCtx {
		return socketCtx{
			userID: r.URL.Query().Get("user_id"),
			rooms:  cfg.Rooms,
		}
	}

	r := mux.NewRouter()
	r.Path(sockethub.DefaultSocketPath).Handler(sockethub.HandlerWithOrigin(hub, ctxFn, origin))
	r.Path("/rooms/{room}").Methods("GET").Handler(roomPageHandler{})
	r.Path("/rooms/{room}").Methods("POST").Handler(noticeHandler{hub: hub})
	r.Path("/echo").Methods("POST").Handler(echoHandler{hub: hub})
	return r
}

type roomPageHandler struct{}

func (roomPageHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	room, ok := roomName(w, r)
	if !ok {
		return
	}
	webTemplate.Execute(w, templateArgs{Room: room})
}

// noticeHandler publishes the POST body to the room from server-side
// code, the in-process publish path applications use for announcements.
type noticeHandler struct {
	hub *sockethub.Hub[socketCtx]
}

func (nh noticeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	room, ok := roomName(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Error: bad request. Unable to read POST body.", http.StatusBadRequest)
		return
	}
	err = nh.hub.Publish(chatKey{RoomID: room}, chatMsg{Author: "server", Text: string(body)})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write([]byte("OK\n"))
}

// echoHandler answers the calling connection directly, resolving it via
// the identity cookie. No topic subscription is involved.
type echoHandler struct {
	hub *sockethub.Hub[socketCtx]
}

func (eh echoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Error: bad request. Unable to read POST body.", http.StatusBadRequest)
		return
	}
	room := r.URL.Query().Get("room")
	if room == "" {
		room = "lobby"
	}
	err = eh.hub.SendToCaller(r, chatKey{RoomID: room}, chatMsg{Author: "server", Text: string(body)})
	switch {
	case errors.Is(err, sockethub.ErrNoIdentityCookie):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, sockethub.ErrUnknownClient):
		http.Error(w, err.Error(), http.StatusNotFound)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.Write([]byte("OK\n"))
	}
}

const (
	roomLenMin = 1
	roomLenMax = 64
)

func roomName(w http.ResponseWriter, r *http.Request) (string, bool) {
	room := mux.Vars(r)["room"]
	if len(room) < roomLenMin || len(room) > roomLenMax {
		http.Error(w, "Error: bad request. Room name must be 1-64 characters.", http.StatusBadRequest)
		return "", false
	}
	return room, true
}
