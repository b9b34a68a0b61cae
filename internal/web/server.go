package web

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onllm-dev/onpulse/internal/auth"
)

// Login attempts allowed per client IP within loginWindow.
const (
	loginAttempts = 5
	loginWindow   = 15 * time.Minute
)

// Server wraps an HTTP server with graceful shutdown capabilities
type Server struct {
	httpServer *http.Server
	handler    *Handler
	logger     *slog.Logger
}

// NewServer creates a new Server instance.
func NewServer(host string, port int, handler *Handler, gate *auth.Gate, corsOrigins []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if port == 0 {
		port = 3001 // default port
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
			Handler:           Routes(handler, gate, corsOrigins, logger),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      90 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		handler: handler,
		logger:  logger,
	}
}

// Routes builds the full HTTP handler: the API mux wrapped in request
// logging and CORS.
func Routes(h *Handler, gate *auth.Gate, corsOrigins []string, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	bearer := BearerAuth(gate)
	protect := func(fn http.HandlerFunc) http.Handler { return bearer(fn) }
	// Each limited endpoint counts attempts separately.
	limited := func(fn http.HandlerFunc) http.Handler {
		return RateLimitMiddleware(NewRateLimiter(loginAttempts, loginWindow), logger)(fn)
	}

	// Public
	mux.Handle("POST /api/auth/login", limited(h.Login))
	mux.Handle("POST /api/auth/verify-2fa", limited(h.VerifyTwoFactor))
	mux.HandleFunc("GET /api/auth/verify", h.Verify)
	mux.HandleFunc("POST /api/auth/oauth-complete", h.OAuthComplete)
	mux.HandleFunc("GET /api/oauth/callback", h.OAuthCallback)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	// Bearer-gated
	mux.Handle("POST /api/auth/logout", protect(h.Logout))
	mux.Handle("GET /api/overview", protect(h.Overview))
	mux.Handle("GET /api/status", protect(h.Status))
	mux.Handle("GET /api/oauth/authorize-url", protect(h.AuthorizeURL))
	mux.Handle("POST /api/oauth/disconnect", protect(h.Disconnect))
	mux.Handle("GET /api/dashboard/sleep-analysis", protect(h.SleepAnalysis))
	mux.Handle("GET /api/dashboard/activity-analysis", protect(h.ActivityAnalysis))
	mux.Handle("GET /api/oura/daily", protect(h.Daily))
	mux.Handle("GET /api/oura/weekly", protect(h.Weekly))
	mux.Handle("GET /api/oura/today", protect(h.Today))
	mux.Handle("GET /api/oura/sleep", protect(h.Sleep))
	mux.Handle("GET /api/oura/heartrate", protect(h.HeartRate))
	mux.Handle("GET /api/oura/profile", protect(h.Profile))

	if len(corsOrigins) == 0 {
		corsOrigins = []string{h.clientURL}
	}
	withCORS := cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	})
	return withCORS(RequestLogger(logger)(mux))
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	s.logger.Info("starting web server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down web server")
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
