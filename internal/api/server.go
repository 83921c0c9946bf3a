// Package api exposes the monitor's control surface over HTTP and streams
// bus events over WebSocket. It is a thin glue layer: it validates JSON,
// calls the monitor and maps its error taxonomy to status codes.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/avandersteldt/regionwatch/internal/capture"
	"github.com/avandersteldt/regionwatch/internal/events"
	"github.com/avandersteldt/regionwatch/internal/logger"
	"github.com/avandersteldt/regionwatch/internal/monitor"
)

// Server is the HTTP API server.
type Server struct {
	router   *mux.Router
	monitor  *monitor.Monitor
	bus      *events.Bus
	upgrader websocket.Upgrader
}

// NewServer wires the routes.
func NewServer(mon *monitor.Monitor, bus *events.Bus) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		monitor: mon,
		bus:     bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/monitor/start", s.handleStart).Methods("POST")
	api.HandleFunc("/monitor/stop", s.handleStop).Methods("POST")
	api.HandleFunc("/monitor/pause", s.handlePause).Methods("POST")
	api.HandleFunc("/monitor/resume", s.handleResume).Methods("POST")
	api.HandleFunc("/monitor/strategy", s.handleStrategy).Methods("POST")
	api.HandleFunc("/monitor/region", s.handleRegion).Methods("POST")
	api.HandleFunc("/monitor/capture", s.handleForceCapture).Methods("POST")
	api.HandleFunc("/monitor/status", s.handleStatus).Methods("GET")

	api.HandleFunc("/events/stream", s.handleEventStream)
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the full middleware-wrapped handler, for tests and custom
// servers.
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on the given port until the listener fails.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	logger.WithComponent("api").Info().Str("addr", addr).Msg("HTTP server listening")
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// startRequest is the wire form of Start: region as [left,top,right,bottom].
type startRequest struct {
	Region     [4]int  `json:"region"`
	Strategy   string  `json:"strategy"`
	Threshold  float64 `json:"threshold"`
	IntervalMS int     `json:"interval_ms"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	cfg := monitor.Config{
		Region: capture.Region{
			Left:   req.Region[0],
			Top:    req.Region[1],
			Right:  req.Region[2],
			Bottom: req.Region[3],
		},
		Strategy:  req.Strategy,
		Threshold: req.Threshold,
		Interval:  intervalFromMS(req.IntervalMS),
	}

	id, err := s.monitor.Start(r.Context(), cfg)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	// Body is optional for stop.
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "requested"
	}
	s.monitor.Stop(req.Reason)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.Pause(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.Resume(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) handleStrategy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy      string `json:"strategy"`
		ResetBaseline bool   `json:"reset_baseline"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if err := s.monitor.ChangeStrategy(req.Strategy, req.ResetBaseline); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"strategy": req.Strategy})
}

func (s *Server) handleRegion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Region [4]int `json:"region"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	region := capture.Region{
		Left:   req.Region[0],
		Top:    req.Region[1],
		Right:  req.Region[2],
		Bottom: req.Region[3],
	}
	if err := s.monitor.UpdateRegion(region); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"region": region})
}

func (s *Server) handleForceCapture(w http.ResponseWriter, r *http.Request) {
	frame, err := s.monitor.ForceCapture(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Capture-Strategy", frame.Strategy)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(frame.Data)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"state":  s.monitor.Status().State,
	})
}

// handleEventStream upgrades to WebSocket and forwards every bus event as
// JSON. The subscriber handler only enqueues; slow clients drop events
// rather than stall the bus.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	stream := make(chan events.Event, 32)
	unsubscribe := s.bus.SubscribeAll(func(e events.Event) {
		select {
		case stream <- e:
		default:
			log.Debug().Str("type", string(e.Type)).Msg("event stream client lagging, dropping event")
		}
	})
	defer unsubscribe()

	// Reader goroutine: surfaces client disconnect even when no events flow.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case e := <-stream:
			if err := conn.WriteJSON(e); err != nil {
				log.Debug().Err(err).Msg("event stream write failed")
				return
			}
		}
	}
}

func intervalFromMS(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, capture.ErrInvalidRegion):
		return http.StatusBadRequest
	case errors.Is(err, monitor.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, monitor.ErrNoSession),
		errors.Is(err, monitor.ErrInvalidTransition),
		errors.Is(err, monitor.ErrStopped):
		return http.StatusConflict
	default:
		var capErr *capture.Error
		if errors.As(err, &capErr) {
			return http.StatusBadGateway
		}
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
