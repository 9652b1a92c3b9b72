package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const serviceVersion = "2.0"

// ServerConfig configures the signaling server
type ServerConfig struct {
	Host string
	Port int

	HeartbeatTimeout time.Duration
	ReapInterval     time.Duration

	// RateLimit of nil enables the defaults
	RateLimit *RateLimitConfig

	// DisableEvents turns off the WebSocket event feed endpoint
	DisableEvents bool
}

// Server exposes the registry over the HTTP signaling protocol and
// broadcasts lifecycle events to WebSocket subscribers
type Server struct {
	registry *Registry
	metrics  *Metrics
	hub      *EventHub
	limiter  *RateLimiter
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// Request/response schemas for the signaling protocol. Every field a
// handler reads is declared here; nothing is pulled out of loose maps.

type registerRequest struct {
	NodeID    string `json:"node_id"`
	Port      int    `json:"port"`
	PublicKey string `json:"public_key,omitempty"`
}

// nodeRequest covers heartbeat and unregister
type nodeRequest struct {
	NodeID string `json:"node_id"`
}

type errorBody struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

type registerResponse struct {
	Status   string   `json:"status"`
	Message  string   `json:"message"`
	NodeInfo NodeInfo `json:"node_info"`
}

type heartbeatResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type discoverResponse struct {
	Status    string     `json:"status"`
	PeerCount int        `json:"peer_count"`
	Peers     []NodeInfo `json:"peers"`
}

type unregisterResponse struct {
	Status string `json:"status"`
	NodeID string `json:"node_id"`
}

type nodesResponse struct {
	TotalNodes int        `json:"total_nodes"`
	Nodes      []NodeInfo `json:"nodes"`
}

type healthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	ActiveNodes int       `json:"active_nodes"`
}

type serviceInfoResponse struct {
	Service     string            `json:"service"`
	Status      string            `json:"status"`
	Version     string            `json:"version"`
	Endpoints   map[string]string `json:"endpoints"`
	ActiveNodes int               `json:"active_nodes"`
	Timestamp   time.Time         `json:"timestamp"`
}

// NewServer creates a signaling server with its own registry, metrics,
// event hub and rate limiter
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		metrics: NewMetrics(),
		hub:     NewEventHub(),
		limiter: NewRateLimiter(cfg.RateLimit),
		done:    make(chan struct{}),
	}

	s.registry = New(Options{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		ReapInterval:     cfg.ReapInterval,
		OnExpired: func(rec NodeRecord) {
			s.metrics.NodesReaped.Add(1)
			s.hub.Broadcast(NewEvent(EventNodeExpired, rec.Info(time.Now().UTC())))
		},
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.instrument("/", s.handleIndex))
	mux.HandleFunc("/register", s.instrument("/register", s.handleRegister))
	mux.HandleFunc("/heartbeat", s.instrument("/heartbeat", s.handleHeartbeat))
	mux.HandleFunc("/discover", s.instrument("/discover", s.handleDiscover))
	mux.HandleFunc("/unregister", s.instrument("/unregister", s.handleUnregister))
	mux.HandleFunc("/nodes", s.instrument("/nodes", s.handleNodes))
	mux.HandleFunc("/health", s.instrument("/health", s.handleHealth))
	mux.HandleFunc("/metrics", s.instrument("/metrics", s.handleMetrics))
	if !cfg.DisableEvents {
		mux.HandleFunc("/ws", s.hub.HandleWebSocket)
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.recoverMiddleware(s.rateLimitMiddleware(mux)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	return s
}

// Registry returns the server's registry
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server's metrics collector
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Handler returns the full middleware-wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the bound listen address, valid after Start
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Start binds the listen address and begins serving. The bind happens
// synchronously so address conflicts surface here; serving continues in
// the background until Stop.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.server.Addr, err)
	}
	s.listener = listener

	go s.hub.Run()
	go s.limiterCleanupLoop()
	s.registry.Start()

	slog.Info("Signaling server starting", "addr", listener.Addr().String())

	go func() {
		if err := s.server.Serve(listener); err != http.ErrServerClosed {
			slog.Error("Signaling server error", "error", err)
		}
	}()

	return nil
}

// limiterCleanupLoop prunes per-IP limiter state for clients that have
// gone quiet
func (s *Server) limiterCleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if removed := s.limiter.Cleanup(15 * time.Minute); removed > 0 {
				slog.Debug("Pruned idle rate limiter entries", "removed", removed)
			}
		}
	}
}

// Stop drains in-flight requests, then stops the reaper
func (s *Server) Stop() {
	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
	s.registry.Stop()
}

// API Handlers

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.errorResponse(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	s.jsonResponse(w, http.StatusOK, serviceInfoResponse{
		Service: "mesh-sentinel signaling server",
		Status:  "online",
		Version: serviceVersion,
		Endpoints: map[string]string{
			"health":     "/health",
			"register":   "/register (POST)",
			"heartbeat":  "/heartbeat (POST)",
			"discover":   "/discover?node_id= (GET)",
			"unregister": "/unregister (POST)",
			"nodes":      "/nodes (GET)",
			"metrics":    "/metrics (GET)",
			"events":     "/ws (WebSocket)",
		},
		ActiveNodes: s.registry.ActiveCount(),
		Timestamp:   time.Now().UTC(),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.BadRequests.Add(1)
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	record, replaced, err := s.registry.Register(req.NodeID, extractIP(r.RemoteAddr), req.Port, req.PublicKey)
	if err != nil {
		s.opError(w, err, req.NodeID)
		return
	}

	s.metrics.Registrations.Add(1)
	if replaced {
		s.metrics.ReRegistrations.Add(1)
	}

	info := record.Info(time.Now().UTC())
	s.hub.Broadcast(NewEvent(EventNodeRegistered, info))

	s.jsonResponse(w, http.StatusCreated, registerResponse{
		Status:   "registered",
		Message:  fmt.Sprintf("Node %s registered successfully", record.NodeID),
		NodeInfo: info,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req nodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.BadRequests.Add(1)
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.registry.Heartbeat(req.NodeID); err != nil {
		s.opError(w, err, req.NodeID)
		return
	}

	s.metrics.Heartbeats.Add(1)
	s.jsonResponse(w, http.StatusOK, heartbeatResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	nodeID := r.URL.Query().Get("node_id")

	records, err := s.registry.Discover(nodeID)
	if err != nil {
		s.opError(w, err, nodeID)
		return
	}

	now := time.Now().UTC()
	peers := make([]NodeInfo, 0, len(records))
	for _, rec := range records {
		peers = append(peers, rec.Info(now))
	}

	s.metrics.Discoveries.Add(1)
	s.jsonResponse(w, http.StatusOK, discoverResponse{
		Status:    "ok",
		PeerCount: len(peers),
		Peers:     peers,
	})
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req nodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.BadRequests.Add(1)
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.registry.Unregister(req.NodeID); err != nil {
		s.opError(w, err, req.NodeID)
		return
	}

	s.metrics.Unregistrations.Add(1)
	s.hub.Broadcast(NewEvent(EventNodeUnregistered, map[string]string{"node_id": req.NodeID}))

	s.jsonResponse(w, http.StatusOK, unregisterResponse{
		Status: "unregistered",
		NodeID: req.NodeID,
	})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	now := time.Now().UTC()
	records := s.registry.ListAll()
	nodes := make([]NodeInfo, 0, len(records))
	for _, rec := range records {
		nodes = append(nodes, rec.Info(now))
	}

	s.jsonResponse(w, http.StatusOK, nodesResponse{
		TotalNodes: len(nodes),
		Nodes:      nodes,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	s.jsonResponse(w, http.StatusOK, healthResponse{
		Status:      "healthy",
		Timestamp:   time.Now().UTC(),
		ActiveNodes: s.registry.ActiveCount(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	snapshot := s.metrics.Snapshot(func() GaugeMetrics {
		return GaugeMetrics{
			ActiveNodes:      s.registry.ActiveCount(),
			EventSubscribers: s.hub.ClientCount(),
		}
	})
	s.jsonResponse(w, http.StatusOK, snapshot)
}

// opError maps registry errors onto the wire taxonomy
func (s *Server) opError(w http.ResponseWriter, err error, nodeID string) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		s.metrics.BadRequests.Add(1)
		s.metrics.RecordError("validation", err.Error(), nodeID)
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		s.metrics.NotFoundErrors.Add(1)
		s.metrics.RecordError("not_found", err.Error(), nodeID)
		s.errorResponse(w, http.StatusNotFound, err.Error())
	default:
		s.metrics.RecordError("internal", err.Error(), nodeID)
		s.errorResponse(w, http.StatusInternalServerError, "internal server error")
	}
}

// Middleware

// instrument wraps a handler with per-endpoint request accounting
func (s *Server) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		s.metrics.RecordRequest(endpoint, time.Since(start))
	}
}

// rateLimitMiddleware rejects clients exceeding the per-IP or global
// request budget with 429
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.limiter.Allow(extractIP(r.RemoteAddr)); err != nil {
			s.metrics.RateLimitDrops.Add(1)
			slog.Warn("Request rate limited", "remote", r.RemoteAddr, "path", r.URL.Path)
			s.errorResponse(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoverMiddleware converts handler panics into a generic failure
// response instead of killing the connection
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("Handler panic", "path", r.URL.Path, "panic", rec)
				s.errorResponse(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Helper methods

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Status: "error", Error: message})
}
