// Package api exposes the OAuth flow and read-only brokerage data over HTTP
// for the dashboard.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"theoros/internal/logger"
	"theoros/internal/metrics"
	"theoros/internal/model"
	"theoros/pkg/questrade"
)

func init() {
	// The dashboard reads amounts as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

// Authenticator is the OAuth side of the brokerage client.
// *questrade.Authenticator implements it.
type Authenticator interface {
	AuthorizeURL() (string, error)
	ExchangeCode(ctx context.Context, code string) (questrade.Grant, error)
	Refresh(ctx context.Context) (questrade.Grant, error)
}

// Brokerage is the data side of the brokerage client. *questrade.Client
// implements it.
type Brokerage interface {
	Accounts(ctx context.Context) ([]questrade.Account, error)
	Positions(ctx context.Context, accountID string) ([]questrade.Position, error)
	Balances(ctx context.Context, accountID string) (questrade.Balances, error)
	Orders(ctx context.Context, accountID, state string) ([]questrade.Order, error)
}

// EquityHistorian builds the equity curve. *portfolio.Reconstructor
// implements it.
type EquityHistorian interface {
	EquityHistory(ctx context.Context, days int) ([]model.EquityPoint, error)
}

// CredentialState reports whether usable credentials are stored.
type CredentialState interface {
	IsExpired() bool
	RefreshToken() (string, bool)
}

// Deps are the collaborators of the HTTP server.
type Deps struct {
	Auth        Authenticator
	Brokerage   Brokerage
	Equity      EquityHistorian
	Credentials CredentialState
	Metrics     *metrics.Metrics      // optional
	Health      *metrics.HealthStatus // optional
}

// Options configure the HTTP surface.
type Options struct {
	CORSOrigin string
	// AdminTOTPSecret, when set, requires a valid TOTP code on routes that
	// start an OAuth flow or spend the refresh token.
	AdminTOTPSecret string
	DefaultDays     int
	// ServeMetrics mounts /metrics on this router.
	ServeMetrics bool
}

// Server holds the route handlers.
type Server struct {
	deps Deps
	opts Options
	now  func() time.Time
}

// NewServer creates a Server.
func NewServer(deps Deps, opts Options) *Server {
	if opts.DefaultDays <= 0 {
		opts.DefaultDays = 252
	}
	return &Server{deps: deps, opts: opts, now: time.Now}
}

// NewRouter registers every route and wraps the mux with request tracing
// and CORS.
func (s *Server) NewRouter() http.Handler {
	mux := http.NewServeMux()

	// Auth
	s.handle(mux, "GET /auth/questrade", s.requireTOTP(s.handleAuthorize))
	s.handle(mux, "GET /auth/callback", s.handleCallback)
	s.handle(mux, "POST /auth/refresh", s.requireTOTP(s.handleRefresh))

	// Brokerage data
	s.handle(mux, "GET /questrade/accounts", s.handleAccounts)
	s.handle(mux, "GET /questrade/positions", s.handlePositions)
	s.handle(mux, "GET /questrade/balances", s.handleBalances)
	s.handle(mux, "GET /questrade/orders", s.handleOrders)
	s.handle(mux, "GET /questrade/equity-history", s.handleEquityHistory)

	// Meta
	s.handle(mux, "GET /health", s.handleHealth)
	if s.opts.ServeMetrics && s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	return s.traceMiddleware(s.corsMiddleware(mux))
}

// handle registers h under pattern and counts responses by pattern.
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveRoute(pattern, rec.status)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.CORSOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.opts.CORSOrigin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-TOTP, X-Request-ID")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// traceMiddleware tags every request with a trace id, taken from
// X-Request-ID when the caller sent one.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = logger.NewTraceID(s.now())
		}
		w.Header().Set("X-Request-ID", id)
		ctx := logger.WithTraceID(r.Context(), id)

		start := s.now()
		next.ServeHTTP(w, r.WithContext(ctx))
		slog.Debug("request served",
			append(logger.LogWithTrace(ctx),
				"method", r.Method,
				"path", r.URL.Path,
				"elapsed", s.now().Sub(start).String(),
			)...)
	})
}
