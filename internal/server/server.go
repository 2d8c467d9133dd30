// Package server provides the HTTP surface of the gateway: the REST chat
// endpoints, the SSE streaming endpoint and the WebSocket upgrade path.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/BlackBearCC/mbti-gateway/internal/auth"
	"github.com/BlackBearCC/mbti-gateway/internal/config"
	"github.com/BlackBearCC/mbti-gateway/internal/logging"
	"github.com/BlackBearCC/mbti-gateway/internal/provider"
	"github.com/BlackBearCC/mbti-gateway/internal/ratelimit"
	"github.com/BlackBearCC/mbti-gateway/internal/ws"
	"github.com/BlackBearCC/mbti-gateway/pkg/types"
)

// Server is the HTTP server.
type Server struct {
	cfg     *config.Config
	router  *chi.Mux
	httpSrv *http.Server

	verifier *auth.Verifier
	limiter  *ratelimit.Limiter
	gateway  *provider.Gateway
	hub      *ws.Hub
}

// New wires the transports over the shared services.
func New(cfg *config.Config, verifier *auth.Verifier, limiter *ratelimit.Limiter, gateway *provider.Gateway, hub *ws.Hub) *Server {
	s := &Server{
		cfg:      cfg,
		router:   chi.NewRouter(),
		verifier: verifier,
		limiter:  limiter,
		gateway:  gateway,
		hub:      hub,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

// requestLogger emits one structured line per request. The WebSocket upgrade
// is long-lived, so its duration measures the connection, not a request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("requestId", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// setupRoutes configures the route tree.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.health)

	s.router.Route("/service", func(r chi.Router) {
		// The socket authenticates in-band; auth middleware would reject
		// clients that present credentials only via the auth envelope.
		r.Get("/ws", s.hub.HandleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/chat", s.chat)
			r.Post("/streamchat", s.streamChat)
		})
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireAuth rejects unauthenticated requests and stores the identity in
// the request context for rate limiting.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.verifier.Verify(auth.FromRequest(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, types.CodeUnauthorized, "invalid or missing credential")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyIdentity, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// checkLimit runs the quota check for one operation class. It writes the 429
// reply itself and reports whether the request may proceed.
func (s *Server) checkLimit(w http.ResponseWriter, r *http.Request, class string) bool {
	res := s.limiter.Allow(r.Context(), identityFrom(r.Context()).Subject, class)
	if res.Allowed {
		return true
	}
	retryAfter := int(res.RetryAfter.Seconds()) + 1
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeErrorWithDetails(w, http.StatusTooManyRequests, types.CodeRateLimited,
		"rate limit exceeded", map[string]any{"retryAfter": retryAfter})
	return false
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:        s.cfg.Addr(),
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		// No write timeout: SSE and WebSocket responses outlive any sane value.
		WriteTimeout: 0,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Context keys
type contextKey string

const contextKeyIdentity contextKey = "identity"

func identityFrom(ctx context.Context) auth.Identity {
	if id, ok := ctx.Value(contextKeyIdentity).(auth.Identity); ok {
		return id
	}
	return auth.Identity{}
}
