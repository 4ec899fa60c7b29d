// Package rpc serves the daemon's JSON-RPC 2.0 surface over HTTP POST, the
// entity stream WebSocket, the prometheus scrape endpoint, and a liveness
// probe. Handlers translate between the wire and the core stores; all
// domain decisions stay in the core packages.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tallyhq/tallyd/internal/metrics"
)

const maxBodyBytes = 1 << 20

// Config tunes the HTTP surface.
type Config struct {
	// ListenAddr is the host:port the server binds.
	ListenAddr string

	// WSSendQueue is each WebSocket subscriber's outbound frame buffer.
	WSSendQueue int

	// MethodTimeout bounds one method execution.
	MethodTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":5005"
	}
	if c.WSSendQueue <= 0 {
		c.WSSendQueue = 256
	}
	if c.MethodTimeout <= 0 {
		c.MethodTimeout = 30 * time.Second
	}
	return c
}

// Server dispatches JSON-RPC requests to registered method handlers.
type Server struct {
	cfg      Config
	services *Services
	hub      *Hub
	build    BuildInfo
	registry *MethodRegistry
	logger   *zap.Logger
	metrics  *metrics.Metrics
	started  time.Time

	httpServer *http.Server
}

// NewServer wires the method table and the endpoint mux. The gatherer backs
// /metrics; pass the registry the collectors were registered on.
func NewServer(cfg Config, svc *Services, hub *Hub, build BuildInfo, gatherer prometheus.Gatherer, logger *zap.Logger, m *metrics.Metrics) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	cfg = cfg.withDefaults()
	if hub == nil {
		hub = NewHub(cfg.WSSendQueue, logger, m)
	}
	s := &Server{
		cfg:      cfg,
		services: svc,
		hub:      hub,
		build:    build.withDefaults(),
		registry: NewMethodRegistry(),
		logger:   logger.Named("rpc"),
		metrics:  m,
		started:  time.Now(),
	}
	s.registerAllMethods()

	mux := http.NewServeMux()
	mux.Handle("/", s)
	mux.Handle("/ws", hub)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the full endpoint mux, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start binds the listener and serves in the background. Serve errors after
// a clean bind are logged, not returned; Shutdown owns the clean exit.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("rpc: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.logger.Info("listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("methods", len(s.registry.Methods())),
	)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones up to the
// context deadline, and disconnects WebSocket subscribers.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.hub.Close()
	return err
}

// ServeHTTP handles the JSON-RPC endpoint.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Content-Type", "application/json")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeResponse(w, nil, nil, errInvalidRequest("failed to read request body: "+err.Error()))
		return
	}

	if bytes.HasPrefix(bytes.TrimSpace(body), []byte("[")) {
		s.writeResponse(w, nil, nil, errInvalidRequest("batch requests are not supported"))
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeResponse(w, nil, nil, errParse(err))
		return
	}
	if req.JsonRpc != "2.0" {
		s.writeResponse(w, req.ID, nil, errInvalidRequest(`jsonrpc must be "2.0"`))
		return
	}
	if req.Method == "" {
		s.writeResponse(w, req.ID, nil, errInvalidRequest("method is required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.MethodTimeout)
	defer cancel()
	ctx = withClientMeta(ctx, clientMeta{
		ip:        clientIP(r),
		userAgent: r.UserAgent(),
	})

	start := time.Now()
	result, rpcErr := s.executeMethod(ctx, req.Method, req.Params)

	outcome := "ok"
	if rpcErr != nil {
		outcome = "error"
	}
	s.metrics.RPCRequests.WithLabelValues(req.Method, outcome).Inc()
	s.logger.Debug("request",
		zap.String("method", req.Method),
		zap.String("outcome", outcome),
		zap.Duration("elapsed", time.Since(start)),
	)

	s.writeResponse(w, req.ID, result, rpcErr)
}

// executeMethod looks up and runs a handler, containing panics so one bad
// request cannot take the transport down.
func (s *Server) executeMethod(ctx context.Context, method string, params json.RawMessage) (result any, rpcErr *RpcError) {
	handler, ok := s.registry.Get(method)
	if !ok {
		return nil, errMethodNotFound(method)
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("method panicked", zap.String("method", method), zap.Any("panic", r))
			result = nil
			rpcErr = NewRpcError(CodeInternal, fmt.Sprintf("method %s failed", method), labelInternal)
		}
	}()
	return handler(ctx, params)
}

// writeResponse emits the JSON-RPC envelope. Application errors still ride a
// 200; transport-level failures are the only non-200s this endpoint sends.
func (s *Server) writeResponse(w http.ResponseWriter, id, result any, rpcErr *RpcError) {
	resp := Response{JsonRpc: "2.0", ID: id}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal response", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// clientIP prefers proxy headers over the raw peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
