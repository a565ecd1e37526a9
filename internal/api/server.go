package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/bryanchriswhite/deskwatch/internal/logger"
	"github.com/bryanchriswhite/deskwatch/internal/scheduler"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusSource reports watcher states
type StatusSource interface {
	Status() []scheduler.WatcherStatus
}

// PendingSource reports queued events per bucket
type PendingSource interface {
	Pending() map[string]int
}

// Info describes the running watcher
type Info struct {
	Version   string `json:"version"`
	Backend   string `json:"backend"`
	Hostname  string `json:"hostname"`
	ServerURL string `json:"server_url"`
}

// Server is the local status server
type Server struct {
	router     *mux.Router
	info       Info
	status     StatusSource
	pending    PendingSource
	hub        *Hub
	upgrader   websocket.Upgrader
	started    time.Time
	httpServer *http.Server
}

// NewServer creates a status server. status and pending may be nil.
func NewServer(info Info, status StatusSource, pending PendingSource, hub *Hub) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		info:    info,
		status:  status,
		pending: pending,
		hub:     hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		started: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/events/stream", s.handleEventStream)

	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until Shutdown is called
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.WithComponent("api").Info().Str("addr", addr).Msg("Starting status server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server and ends all event streams
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"status":  "healthy",
		"version": s.info.Version,
	})
}

type statusResponse struct {
	Info
	UptimeSeconds float64                   `json:"uptime_seconds"`
	Watchers      []scheduler.WatcherStatus `json:"watchers"`
	Pending       map[string]int            `json:"pending"`
	StreamClients int                       `json:"stream_clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Info:          s.info,
		UptimeSeconds: time.Since(s.started).Seconds(),
		Watchers:      []scheduler.WatcherStatus{},
		Pending:       map[string]int{},
	}
	if s.status != nil {
		resp.Watchers = s.status.Status()
	}
	if s.pending != nil {
		resp.Pending = s.pending.Pending()
	}
	if s.hub != nil {
		resp.StreamClients = s.hub.Subscribers()
	}
	writeJSON(w, resp)
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")

	if s.hub == nil {
		http.Error(w, "event stream disabled", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	updates := s.hub.Subscribe()
	defer s.hub.Unsubscribe(updates)

	// Reads only detect the client going away
	go func() {
		defer s.hub.Unsubscribe(updates)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for ev := range updates {
		if err := conn.WriteJSON(ev); err != nil {
			log.Debug().Err(err).Msg("WebSocket write failed")
			return
		}
	}
}
