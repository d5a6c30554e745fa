// Package control serves the HTTP surface an external launcher uses to reach
// a running host: new launch requests, sub-operation and permission results,
// back navigation and status.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomyedwab/enginehost/engine"
	"github.com/tomyedwab/enginehost/launch"
	"github.com/tomyedwab/enginehost/metrics"
)

const maxBodyBytes = 1 << 20

// Target is the host the control surface drives. Every method is called on
// the coordinating loop.
type Target interface {
	ID() string
	Name() string
	OnReenter(ctx context.Context, req *launch.Request)
	OnSubOperationResult(ctx context.Context, requestCode, resultCode int, payload []byte)
	OnPermissionResult(ctx context.Context, requestCode int, permissions []string, grants []bool)
	OnBackPressed(ctx context.Context) bool
	RuntimeHandle() (engine.Handle, bool)
	HostInstance() (engine.HostInfo, bool)
}

// Dispatcher runs functions on the coordinating loop.
type Dispatcher interface {
	Post(fn func())
	Do(ctx context.Context, fn func()) bool
}

// Config holds configuration options for a Server.
type Config struct {
	Addr       string        // Optional, defaults to 127.0.0.1:7420
	Key        []byte        // Required, HS256 signing key
	Target     func() Target // Required, returns the current host; called on the loop
	Dispatcher Dispatcher    // Required
	RateLimit  float64       // Optional, requests per second per remote address, defaults to 10
	Burst      int           // Optional, defaults to 20
	Logger     *slog.Logger  // Optional, defaults to slog.Default()
	StartedAt  time.Time     // Optional, defaults to time.Now()
	Registry   http.Handler  // Optional, /metrics handler, defaults to promhttp.Handler()
}

type Server struct {
	addr       string
	key        []byte
	target     func() Target
	dispatcher Dispatcher
	limiter    *Limiter
	logger     *slog.Logger
	startedAt  time.Time
	router     *mux.Router
	httpServer *http.Server
}

// ResultRequest is the body of POST /v1/results.
type ResultRequest struct {
	Code    int    `json:"code"`
	Status  int    `json:"status"`
	Payload []byte `json:"payload,omitempty"`
}

// PermissionRequest is the body of POST /v1/permissions.
type PermissionRequest struct {
	Code   int      `json:"code"`
	Names  []string `json:"names"`
	Grants []bool   `json:"grants"`
}

type LaunchResponse struct {
	Command string `json:"command"`
}

type BackResponse struct {
	Handled bool `json:"handled"`
}

type acceptedResponse struct {
	Accepted bool `json:"accepted"`
}

func NewServer(config Config) (*Server, error) {
	if len(config.Key) == 0 {
		return nil, fmt.Errorf("signing key is required")
	}
	if config.Target == nil {
		return nil, fmt.Errorf("target provider is required")
	}
	if config.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}

	addr := config.Addr
	if addr == "" {
		addr = "127.0.0.1:7420"
	}
	rps := config.RateLimit
	if rps == 0 {
		rps = 10
	}
	burst := config.Burst
	if burst == 0 {
		burst = 20
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	startedAt := config.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	registry := config.Registry
	if registry == nil {
		metrics.RegisterMetrics()
		registry = promhttp.Handler()
	}

	s := &Server{
		addr:       addr,
		key:        config.Key,
		target:     config.Target,
		dispatcher: config.Dispatcher,
		limiter:    NewLimiter(rps, burst),
		logger:     logger.With("component", "Control"),
		startedAt:  startedAt,
	}
	s.router = s.routes(registry)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) routes(registry http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/launch", s.protected(s.handleLaunch)).Methods("POST")
	r.HandleFunc("/v1/results", s.protected(s.handleResult)).Methods("POST")
	r.HandleFunc("/v1/permissions", s.protected(s.handlePermissions)).Methods("POST")
	r.HandleFunc("/v1/back", s.protected(s.handleBack)).Methods("POST")
	r.HandleFunc("/v1/status", s.protected(s.handleStatus)).Methods("GET")
	r.Handle("/metrics", registry).Methods("GET")
	return r
}

// protected runs, outermost first: request logging, the per-address rate
// limit, then token checks.
func (s *Server) protected(h http.HandlerFunc) http.HandlerFunc {
	return Chain(
		h,
		LoginRequired(s.key),
		s.limiter.Middleware(RemoteKey),
		s.logRequests,
	)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Addr() string {
	return s.addr
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Control API listening", "addr", s.addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx ends, then closes whatever is left.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("Control API did not drain, closing", "error", err)
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	req := launch.NewRequest()
	if err := decodeBody(r, req, true); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Extras == nil {
		req.Extras = map[string]string{}
	}

	command := launch.Decode(req, false)
	client := ""
	if claims, ok := ClaimsFromContext(r.Context()); ok {
		client = claims.Client
	}
	s.logger.Info("Launch request received", "command", command.String(), "game", req.String(launch.ExtraGameName), "client", client)

	// Force quit and new launch end the process: respond before posting.
	writeJSON(w, http.StatusAccepted, LaunchResponse{Command: command.String()})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	s.dispatcher.Post(func() {
		s.target().OnReenter(context.Background(), req)
	})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	var body ResultRequest
	if err := decodeBody(r, &body, false); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.dispatcher.Post(func() {
		s.target().OnSubOperationResult(context.Background(), body.Code, body.Status, body.Payload)
	})
	writeJSON(w, http.StatusAccepted, acceptedResponse{Accepted: true})
}

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	var body PermissionRequest
	if err := decodeBody(r, &body, false); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body.Names) != len(body.Grants) {
		http.Error(w, fmt.Sprintf("got %d permission names and %d grants", len(body.Names), len(body.Grants)), http.StatusBadRequest)
		return
	}
	s.dispatcher.Post(func() {
		s.target().OnPermissionResult(context.Background(), body.Code, body.Names, body.Grants)
	})
	writeJSON(w, http.StatusAccepted, acceptedResponse{Accepted: true})
}

func (s *Server) handleBack(w http.ResponseWriter, r *http.Request) {
	var handled bool
	ok := s.dispatcher.Do(r.Context(), func() {
		handled = s.target().OnBackPressed(context.Background())
	})
	if !ok {
		http.Error(w, "host is not accepting requests", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, BackResponse{Handled: handled})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var status Status
	ok := s.dispatcher.Do(r.Context(), func() {
		status = s.collectStatus(s.target())
	})
	if !ok {
		http.Error(w, "host is not accepting requests", http.StatusServiceUnavailable)
		return
	}
	if err := addMemoryStats(&status); err != nil {
		s.logger.Warn("Failed to read memory statistics", "error", err)
	}
	writeJSON(w, http.StatusOK, status)
}

func decodeBody(r *http.Request, v interface{}, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, resp interface{}) {
	body, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
