package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"payout.settle/internal/metrics"
	"payout.settle/internal/settlement"
	"payout.settle/internal/store"
)

type Deps struct {
	Ledger   store.Ledger
	Gate     *settlement.Gate
	Recovery *settlement.Recovery
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Tokens are the bearer tokens for service and admin routes. An empty token
// locks its routes.
type Tokens struct {
	Service string
	Admin   string
}

type Server struct {
	ledger   store.Ledger
	gate     *settlement.Gate
	recovery *settlement.Recovery
	metrics  *metrics.Metrics
	tokens   Tokens
	logger   *slog.Logger
	validate *validator.Validate
}

func NewServer(deps Deps, tokens Tokens) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		ledger:   deps.Ledger,
		gate:     deps.Gate,
		recovery: deps.Recovery,
		metrics:  deps.Metrics,
		tokens:   tokens,
		logger:   logger.With("component", "api"),
		validate: validator.New(),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware(s.tokens.Service))

			r.Post("/withdrawals", s.handleCreateWithdrawal)
			r.Get("/withdrawals/{id}", s.handleGetWithdrawal)
			r.Get("/users/{id}/balance", s.handleGetBalance)
			r.Get("/users/{id}/withdrawals", s.handleUserWithdrawals)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.authMiddleware(s.tokens.Admin))

			r.Post("/users/{id}/credit", s.handleCredit)
			r.Get("/withdrawals/stats", s.handleStats)
			r.Get("/withdrawals/recent", s.handleRecentCompleted)
			r.Get("/withdrawals/failed", s.handleFailed)
			r.Post("/withdrawals/retry-failed", s.handleRetryFailed)
			r.Post("/withdrawals/{id}/retry", s.handleRetry)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
	})
	return r
}

func (s *Server) authMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r.Header.Get("Authorization"))
			if expected == "" || !secureCompare(token, expected) {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
