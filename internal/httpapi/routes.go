// Package httpapi exposes the local control surface over HTTP: call
// commands, session listing, call history, the roster, an SSE lifecycle
// stream and a WebSocket diagnostics feed. It binds to loopback; there is
// no auth layer.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wisp-im/wisp/internal/call"
	"github.com/wisp-im/wisp/internal/gateway"
	"github.com/wisp-im/wisp/internal/history"
	"github.com/wisp-im/wisp/internal/roster"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Local control surface; the webview may present any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller is the slice of the call controller the API needs.
type Controller interface {
	Initiate(ctx context.Context, accountID, peer string, media []call.MediaKind) (string, error)
	Accept(id string)
	Reject(id string)
	Silence(id string)
	Cancel(id string)
	Hangup(id string)
	Session(id string) (call.Snapshot, bool)
	Sessions() []call.Snapshot
	CallsAvailable() bool
}

// History is the slice of the call-history store the API needs.
type History interface {
	Recent(accountID, peer string, limit int) ([]history.Entry, error)
	MissedCount(accountID string, since time.Time) (int, error)
}

// Server wires the endpoints. hist may be nil when history is disabled.
type Server struct {
	account string
	ctrl    Controller
	feed    *Feed
	peers   *roster.Table
	hist    History
}

func NewServer(account string, ctrl Controller, feed *Feed, peers *roster.Table, hist History) *Server {
	return &Server{account: account, ctrl: ctrl, feed: feed, peers: peers, hist: hist}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

func (s *Server) Register(mux *http.ServeMux) {
	// GET /api/call/mode — always safe to call; tells the frontend whether
	// call actions should be offered at all.
	handleGet(mux, "/api/call/mode", func(w http.ResponseWriter, r *http.Request) {
		mode := "disabled"
		if s.ctrl.CallsAvailable() {
			mode = "native"
		}
		writeJSON(w, map[string]string{"mode": mode})
	})

	// POST /api/call/start — peer id directly, or an account name resolved
	// through the roster.
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		Peer    string   `json:"peer"`
		Account string   `json:"account"`
		Media   []string `json:"media"`
	}) {
		peer := req.Peer
		if peer == "" && req.Account != "" {
			id, ok := s.peers.FindByAccount(req.Account)
			if !ok {
				http.Error(w, fmt.Sprintf("no online peer for account %q", req.Account), http.StatusNotFound)
				return
			}
			peer = id
		}
		if peer == "" {
			http.Error(w, "missing peer or account", http.StatusBadRequest)
			return
		}

		media := call.MediaFromStrings(req.Media)
		if len(media) == 0 {
			media = []call.MediaKind{call.MediaAudio}
		}

		id, err := s.ctrl.Initiate(r.Context(), s.account, peer, media)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, gateway.ErrUnavailable):
				status = http.StatusServiceUnavailable
			case errors.Is(err, gateway.ErrPeerUnreachable):
				status = http.StatusBadGateway
			}
			http.Error(w, fmt.Sprintf("start call failed: %v", err), status)
			return
		}
		writeJSON(w, map[string]string{"status": "ringing", "session_id": id})
	})

	s.registerCommand(mux, "/api/call/accept", "accepting", s.ctrl.Accept)
	s.registerCommand(mux, "/api/call/reject", "rejected", s.ctrl.Reject)
	s.registerCommand(mux, "/api/call/silence", "silenced", s.ctrl.Silence)
	s.registerCommand(mux, "/api/call/cancel", "cancelled", s.ctrl.Cancel)
	s.registerCommand(mux, "/api/call/hangup", "hung_up", s.ctrl.Hangup)

	// GET /api/call/sessions — live session list, terminal ones included
	// while they sit out their display grace.
	handleGet(mux, "/api/call/sessions", func(w http.ResponseWriter, r *http.Request) {
		sessions := s.ctrl.Sessions()
		if sessions == nil {
			sessions = []call.Snapshot{}
		}
		writeJSON(w, map[string]any{
			"session_count": len(sessions),
			"sessions":      sessions,
		})
	})

	// GET /api/call/history?peer=&limit=
	handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		if s.hist == nil {
			http.Error(w, "history disabled", http.StatusNotFound)
			return
		}
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		entries, err := s.hist.Recent(s.account, r.URL.Query().Get("peer"), limit)
		if err != nil {
			http.Error(w, fmt.Sprintf("history query failed: %v", err), http.StatusInternalServerError)
			return
		}
		if entries == nil {
			entries = []history.Entry{}
		}
		writeJSON(w, map[string]any{"entries": entries})
	})

	// GET /api/call/missed?minutes=N — missed-call badge counter.
	handleGet(mux, "/api/call/missed", func(w http.ResponseWriter, r *http.Request) {
		if s.hist == nil {
			http.Error(w, "history disabled", http.StatusNotFound)
			return
		}
		minutes := 24 * 60
		if v := r.URL.Query().Get("minutes"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "invalid minutes", http.StatusBadRequest)
				return
			}
			minutes = n
		}
		n, err := s.hist.MissedCount(s.account, time.Now().Add(-time.Duration(minutes)*time.Minute))
		if err != nil {
			http.Error(w, fmt.Sprintf("missed count failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]int{"missed": n})
	})

	// GET /api/roster — contact list with presence and call indicators.
	handleGet(mux, "/api/roster", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"peers": s.peers.Snapshot()})
	})

	// GET /api/call/events — SSE lifecycle stream. Buffered events replay
	// first so a reconnecting client catches up on what it missed.
	handleGet(mux, "/api/call/events", s.handleEvents)

	// GET /api/call/stats?session=X — WebSocket diagnostics feed.
	handleGet(mux, "/api/call/stats", s.handleStats)
}

// registerCommand wires one fire-and-forget session command. The command is
// posted to the controller; the outcome arrives on the event stream.
func (s *Server) registerCommand(mux *http.ServeMux, pattern, status string, cmd func(id string)) {
	handlePost(mux, pattern, func(w http.ResponseWriter, r *http.Request, req struct {
		SessionID string `json:"session_id"`
	}) {
		if req.SessionID == "" {
			http.Error(w, "missing session_id", http.StatusBadRequest)
			return
		}
		if _, ok := s.ctrl.Session(req.SessionID); !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		cmd(req.SessionID)
		writeJSON(w, map[string]string{"status": status, "session_id": req.SessionID})
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sseHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	evtCh, cancel := s.feed.Subscribe()
	defer cancel()

	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
	for _, ev := range s.feed.Recent() {
		writeSSE(w, ev)
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evtCh:
			if !ok {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev FeedEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: call\ndata: %s\n\n", data)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	sessionFilter := r.URL.Query().Get("session")

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("API: stats WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	statsCh, cancel := s.feed.SubscribeStats()
	defer cancel()

	// Drain control frames so pings keep the connection alive.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-statsCh:
			if !ok {
				return
			}
			if sessionFilter != "" && ev.Session.ID != sessionFilter {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
