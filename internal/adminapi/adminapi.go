// Package adminapi is the admin/control HTTP surface: introspection of
// pool occupancy, statement-cache flush, and shard range-table
// hot-reload (SPEC_FULL §A "Admin/control HTTP API"). Routing is
// gorilla/mux, matching the teacher's HTTP handlers; the live-stats push
// is gorilla/websocket, adapted from the teacher's
// internal/websocket.DAGStreamer hub (register/unregister/broadcast
// channels) but broadcasting occupancy snapshots instead of DAG events.
package adminapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/cubrid/shardproxy/internal/statsexport"
)

// Flusher is the subset of stmtpool.Pool the admin API needs to flush
// unpinned cache entries; kept as an interface so adminapi never
// imports the table packages directly.
type Flusher interface {
	FlushUnpinned() int
}

// Reloader matches config.Manager's hot-reload contract: re-read the
// base config plus per-environment overlays file in place.
type Reloader interface {
	Reload(basePath, overlaysPath string) error
}

// Server is the admin HTTP server: mux routes plus a websocket stats hub.
type Server struct {
	source   statsexport.Source
	flusher  Flusher
	reloader Reloader
	drainer  *DrainScheduler
	notifier DrainNotifier

	router *mux.Router
	hub    *statsHub
}

func New(source statsexport.Source, flusher Flusher, reloader Reloader) *Server {
	s := &Server{
		source:   source,
		flusher:  flusher,
		reloader: reloader,
		hub:      newStatsHub(),
	}
	s.router = mux.NewRouter()
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/stats/stream", s.hub.handleWebSocket)
	s.router.HandleFunc("/stmtcache/flush", s.handleFlush).Methods(http.MethodPost)
	s.router.HandleFunc("/config/reload", s.handleReload).Methods(http.MethodPost)
	s.router.HandleFunc("/shards/{id}/drain", s.handleScheduleDrain).Methods(http.MethodPost)
	s.router.HandleFunc("/shards/{id}/drain/execute", s.handleExecuteDrain).Methods(http.MethodPost)
	go s.hub.run()
	return s
}

// WithDrainScheduler attaches the optional Cloud Tasks-backed deferred
// drain scheduler (SPEC_FULL §B); left unset, the drain endpoints 503.
func (s *Server) WithDrainScheduler(d *DrainScheduler, notifier DrainNotifier) *Server {
	s.drainer = d
	s.notifier = notifier
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		slog.Warn("adminapi: encode stats failed", "error", err)
	}
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if s.flusher == nil {
		http.Error(w, "statement cache flush unavailable", http.StatusServiceUnavailable)
		return
	}
	n := s.flusher.FlushUnpinned()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"flushed": n})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reloader == nil {
		http.Error(w, "config reload unavailable", http.StatusServiceUnavailable)
		return
	}
	var body struct {
		BasePath     string `json:"base_path"`
		OverlaysPath string `json:"overlays_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.reloader.Reload(body.BasePath, body.OverlaysPath); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BroadcastSnapshot pushes a fresh occupancy snapshot to every connected
// stats-stream client. Nothing in this repository calls it, so stream
// clients receive a snapshot only when an embedding caller invokes it.
func (s *Server) BroadcastSnapshot(snap statsexport.GlobalSnapshot) {
	s.hub.broadcast <- snap
}

// statsHub is the websocket register/unregister/broadcast hub, adapted
// from the teacher's DAGStreamer for occupancy snapshots instead of DAG
// events.
type statsHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan statsexport.GlobalSnapshot
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

func newStatsHub() *statsHub {
	return &statsHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan statsexport.GlobalSnapshot, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *statsHub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.Close()
			}
			h.mu.Unlock()
		case snap := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if err := c.WriteJSON(snap); err != nil {
					c.Close()
					delete(h.clients, c)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *statsHub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("adminapi: websocket upgrade failed", "error", err)
		return
	}
	h.register <- conn
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
