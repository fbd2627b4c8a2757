package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/puyokura/relaychat/authority"
	"github.com/puyokura/relaychat/model"
)

const landingPage = `<!DOCTYPE html>
<html>
<head>
    <title>%[1]s</title>
    <style>
        body { font-family: sans-serif; text-align: center; padding-top: 50px; }
        code { background: #f4f4f4; padding: 5px; border-radius: 5px; }
    </style>
</head>
<body>
    <h1>Welcome to %[1]s</h1>
    <p>This is the server endpoint. %[2]d client(s) connected.</p>
    <p>Please use the TUI client to connect.</p>
    <p>Run: <code>./client --host %[3]s</code></p>
</body>
</html>
`

// newMux routes the landing page, the websocket gateway and the read-only
// JSON API over the authority's state.
func newMux(cfg *Config, hub *Hub, m *authority.Machine, log *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, landingPage, cfg.ServerName, hub.Count(), cfg.Addr())
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(hub, w, r)
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, log, map[string]any{"status": "ok", "clients": hub.Count()})
	})

	mux.HandleFunc("/api/rooms", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, log, m.Rooms())
	})

	mux.HandleFunc("/api/users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, log, m.Users())
	})

	mux.HandleFunc("/api/pinned", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, log, publicOnly(m.Pinned()))
	})

	mux.HandleFunc("/api/messages", func(w http.ResponseWriter, r *http.Request) {
		room, ok := publicRoom(w, r, cfg)
		if !ok {
			return
		}
		writeJSON(w, log, m.Messages(room))
	})

	mux.HandleFunc("/api/search", func(w http.ResponseWriter, r *http.Request) {
		room, ok := publicRoom(w, r, cfg)
		if !ok {
			return
		}
		writeJSON(w, log, model.SearchResults{
			RoomID:  room,
			Q:       r.URL.Query().Get("q"),
			Results: m.Search(room, r.URL.Query().Get("q")),
		})
	})

	return mux
}

// publicRoom reads ?room=, defaulting to the first configured room.
// Private rooms are not served over HTTP.
func publicRoom(w http.ResponseWriter, r *http.Request, cfg *Config) (string, bool) {
	room := r.URL.Query().Get("room")
	if room == "" {
		room = cfg.Rooms[0]
	}
	if model.IsPrivateRoom(room) {
		http.Error(w, "private room", http.StatusForbidden)
		return "", false
	}
	return room, true
}

func publicOnly(msgs []model.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, msg := range msgs {
		if !model.IsPrivateRoom(msg.Key()) {
			out = append(out, msg)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, log *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("encode response", zap.Error(err))
	}
}
