// Package serve provides the ntmd HTTP server: REST API, WebSocket event
// stream, health and metrics.
package serve

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Dicklesworthstone/ntmd/internal/events"
	"github.com/Dicklesworthstone/ntmd/internal/metrics"
	"github.com/Dicklesworthstone/ntmd/internal/reconcile"
	"github.com/Dicklesworthstone/ntmd/internal/registry"
	"github.com/Dicklesworthstone/ntmd/internal/spawn"
	"github.com/Dicklesworthstone/ntmd/internal/status"
	"github.com/Dicklesworthstone/ntmd/internal/terminal"
)

// Server provides the HTTP API and event streaming for ntmd.
type Server struct {
	cfg      Config
	registry *registry.Registry
	spawner  *spawn.Coordinator
	engine   *reconcile.Engine
	status   *status.Matcher
	eventBus *events.EventBus
	metrics  *metrics.Metrics
	logger   *zap.Logger

	server  *http.Server
	router  chi.Router
	wsHub   *WSHub
	limiter *clientLimiter
	proxies []netip.Prefix
}

// Config holds server configuration and the services it exposes.
type Config struct {
	Host string
	Port int
	// RequestTimeout bounds every /api/v1 call. Zero disables it.
	RequestTimeout time.Duration
	// APIRate is requests per second per client address; zero disables limiting.
	APIRate  float64
	APIBurst int
	// ListWait is how long a list call waits for startup recovery.
	ListWait       time.Duration
	CaptureTimeout time.Duration
	// TrustedProxies lists the peers (IP or CIDR) whose X-Forwarded-For and
	// X-Real-IP headers are honored. Everyone else is keyed by socket address.
	TrustedProxies []string

	Registry *registry.Registry
	Spawner  *spawn.Coordinator
	Engine   *reconcile.Engine
	Status   *status.Matcher
	EventBus *events.EventBus
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

const (
	defaultPort           = 7337
	defaultListWait       = 3 * time.Second
	defaultCaptureTimeout = 30 * time.Second
	defaultCaptureLines   = 200
	maxBodyBytes          = 1 << 20
)

const requestIDHeader = "X-Request-Id"

type ctxKey string

const requestIDKey ctxKey = "request_id"

// APIResponse is the base envelope for all API responses.
type APIResponse struct {
	Success   bool   `json:"success"`
	Timestamp string `json:"timestamp"`
	RequestID string `json:"request_id,omitempty"`
}

// APIError represents a structured error response.
type APIError struct {
	APIResponse
	Error      string `json:"error"`
	ErrorCode  string `json:"error_code,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Subject    string `json:"subject,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds
}

// Error codes, one per terminal.Kind plus transport-level failures.
const (
	ErrCodeValidation     = "VALIDATION"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeSpawnFailure   = "SPAWN_FAILURE"
	ErrCodeExternalTool   = "EXTERNAL_TOOL"
	ErrCodeInternalError  = "INTERNAL_ERROR"
	ErrCodeBadRequest     = "BAD_REQUEST"
	ErrCodeServiceUnavail = "SERVICE_UNAVAILABLE"
)

var kindCodes = map[terminal.Kind]struct {
	status int
	code   string
}{
	terminal.KindValidation:   {http.StatusBadRequest, ErrCodeValidation},
	terminal.KindRateLimited:  {http.StatusTooManyRequests, ErrCodeRateLimited},
	terminal.KindNotFound:     {http.StatusNotFound, ErrCodeNotFound},
	terminal.KindConflict:     {http.StatusConflict, ErrCodeConflict},
	terminal.KindSpawnFailure: {http.StatusBadGateway, ErrCodeSpawnFailure},
	terminal.KindExternalTool: {http.StatusServiceUnavailable, ErrCodeExternalTool},
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.ListWait <= 0 {
		cfg.ListWait = defaultListWait
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = defaultCaptureTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

// New creates a server. Registry, Spawner and Engine are required; a nil
// Status disables the status routes.
func New(cfg Config) *Server {
	applyDefaults(&cfg)
	s := &Server{
		cfg:      cfg,
		registry: cfg.Registry,
		spawner:  cfg.Spawner,
		engine:   cfg.Engine,
		status:   cfg.Status,
		eventBus: cfg.EventBus,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.Named("serve"),
	}
	s.wsHub = NewWSHub(s.logger, s.metrics)
	if cfg.APIRate > 0 {
		s.limiter = newClientLimiter(cfg.APIRate, cfg.APIBurst)
	}
	for _, p := range cfg.TrustedProxies {
		prefix, err := parsePrefix(p)
		if err != nil {
			s.logger.Warn("ignoring trusted proxy", zap.String("entry", p), zap.Error(err))
			continue
		}
		s.proxies = append(s.proxies, prefix)
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub { return s.wsHub }

// buildRouter creates the chi router with all middleware and routes.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(s.realIPMiddleware)
	r.Use(s.requestIDMiddleware)
	r.Use(s.recovererMiddleware)
	r.Use(s.loggingMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.rateLimitMiddleware)
		}
		r.Use(s.timeoutMiddleware)

		r.Route("/terminals", func(r chi.Router) {
			r.Post("/", s.handleSpawn)
			r.Get("/", s.handleList)
			r.Get("/{id}", s.handleGet)
			r.Delete("/{id}", s.handleClose)
			r.Post("/{id}/input", s.handleInput)
			r.Post("/{id}/resize", s.handleResize)
			r.Get("/{id}/capture", s.handleCapture)
		})

		r.Get("/orphans", s.handleOrphans)
		r.Post("/orphans/reattach", s.handleReattachMany)
		r.Post("/orphans/{name}/reattach", s.handleReattach)

		r.Post("/external/kill", s.handleKillMany)
		r.Delete("/external/{name}", s.handleKill)

		r.Get("/status", s.handleStatus)
		r.Post("/status/cleanup", s.handleCleanup)
	})

	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	go s.wsHub.Run()
	defer s.wsHub.Stop()

	if s.eventBus != nil {
		unsubscribe := s.eventBus.SubscribeAll(s.wsHub.PublishEvent)
		defer unsubscribe()
	}

	if s.limiter != nil {
		go s.limiter.run(ctx, time.Minute)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.logger.Info("server listening", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := sanitizeRequestID(r.Header.Get(requestIDHeader))
		if reqID == "" {
			reqID = generateRequestID()
		}
		w.Header().Set(requestIDHeader, reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recovererMiddleware catches panics and returns a proper JSON error response.
func (s *Server) recovererMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				reqID := requestIDFromContext(r.Context())
				s.logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("request_id", reqID),
					zap.ByteString("stack", debug.Stack()))
				writeErrorResponse(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error", reqID)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each request and records its metrics under the
// matched route pattern.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		s.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(code), elapsed)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", code),
			zap.Duration("elapsed", elapsed),
			zap.String("request_id", requestIDFromContext(r.Context())))
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	if s.cfg.RequestTimeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientAddr(r)) {
			w.Header().Set("Retry-After", "1")
			resp := APIError{
				APIResponse: newAPIResponse(false, requestIDFromContext(r.Context())),
				Error:       "too many requests",
				ErrorCode:   ErrCodeRateLimited,
				RetryAfter:  1,
			}
			writeJSON(w, http.StatusTooManyRequests, resp)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// realIPMiddleware applies chi's RealIP only when the socket peer is a
// trusted proxy, so clients cannot pick their own rate-limit key.
func (s *Server) realIPMiddleware(next http.Handler) http.Handler {
	withHeaders := chimw.RealIP(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.trustedPeer(r.RemoteAddr) {
			withHeaders.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) trustedPeer(remoteAddr string) bool {
	if len(s.proxies) == 0 {
		return false
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// parsePrefix accepts a CIDR or a bare IP.
func parsePrefix(v string) (netip.Prefix, error) {
	v = strings.TrimSpace(v)
	if strings.Contains(v, "/") {
		p, err := netip.ParsePrefix(v)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(v)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// clientAddr is the request's client IP without the port. Forwarding headers
// have only been applied if the peer is a trusted proxy.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func sanitizeRequestID(id string) string {
	if id == "" {
		return ""
	}
	if len(id) > 64 {
		id = id[:64]
	}
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' || r == ':' {
			return r
		}
		return -1
	}, id)
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(b)
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func newAPIResponse(success bool, requestID string) APIResponse {
	return APIResponse{
		Success:   success,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: requestID,
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeErrorResponse(w http.ResponseWriter, status int, code, message, requestID string) {
	writeJSON(w, status, APIError{
		APIResponse: newAPIResponse(false, requestID),
		Error:       message,
		ErrorCode:   code,
	})
}

// writeSuccessResponse writes a success envelope merged with data.
func writeSuccessResponse(w http.ResponseWriter, status int, data map[string]any, requestID string) {
	if data == nil {
		data = make(map[string]any)
	}
	data["success"] = true
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	if requestID != "" {
		data["request_id"] = requestID
	}
	writeJSON(w, status, data)
}

// writeTerminalError maps a core error onto its HTTP status and error code.
func (s *Server) writeTerminalError(w http.ResponseWriter, r *http.Request, err error) {
	reqID := requestIDFromContext(r.Context())
	var te *terminal.Error
	if !errors.As(err, &te) {
		s.logger.Error("unclassified error", zap.String("path", r.URL.Path), zap.Error(err))
		writeErrorResponse(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), reqID)
		return
	}
	mapping, ok := kindCodes[te.Kind]
	if !ok {
		mapping.status, mapping.code = http.StatusInternalServerError, ErrCodeInternalError
	}
	resp := APIError{
		APIResponse: newAPIResponse(false, reqID),
		Error:       te.Error(),
		ErrorCode:   mapping.code,
		Reason:      string(te.Reason),
		Subject:     te.Subject,
	}
	if te.Kind == terminal.KindRateLimited {
		secs := int((te.RetryAfter + time.Second - 1) / time.Second)
		if secs < 1 {
			secs = 1
		}
		resp.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, mapping.status, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return terminal.ValidationError("body", fmt.Sprintf("invalid JSON body: %v", err))
	}
	return nil
}

// handleHealth reports liveness and whether startup recovery has finished.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeSuccessResponse(w, http.StatusOK, map[string]any{
		"status":     "healthy",
		"recovered":  s.registry.Recovered(),
		"sessions":   s.registry.Len(),
		"ws_clients": s.wsHub.ClientCount(),
	}, requestIDFromContext(r.Context()))
}
