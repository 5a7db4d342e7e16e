package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/pquerna/otp/totp"

	"theoros/internal/logger"
	"theoros/internal/portfolio"
	"theoros/pkg/questrade"
)

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	u, err := s.deps.Auth.AuthorizeURL()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "QUESTRADE_CLIENT_ID is not set. Edit backend/.env.")
		return
	}
	http.Redirect(w, r, u, http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing code query parameter")
		return
	}

	grant, err := s.deps.Auth.ExchangeCode(r.Context(), code)
	if err != nil {
		var exchErr *questrade.AuthExchangeError
		if errors.As(err, &exchErr) {
			writeError(w, http.StatusBadGateway, "Questrade token exchange failed ("+strconv.Itoa(exchErr.Status)+"): "+exchErr.Body)
			return
		}
		s.upstreamFailure(w, r, err)
		return
	}
	slog.Info("questrade authenticated", logger.LogWithTrace(r.Context())...)
	writeJSON(w, map[string]any{"status": "authenticated", "expires_in": grant.ExpiresIn})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.deps.Credentials.RefreshToken(); !ok {
		writeError(w, http.StatusUnauthorized, "No refresh token stored. Visit /auth/questrade to authenticate.")
		return
	}

	grant, err := s.deps.Auth.Refresh(r.Context())
	if err != nil {
		var refreshErr *questrade.RefreshError
		if errors.As(err, &refreshErr) {
			writeError(w, http.StatusBadGateway, "Token refresh failed ("+strconv.Itoa(refreshErr.Status)+"). Re-authenticate via /auth/questrade.")
			return
		}
		s.dataError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"status": "refreshed", "expires_in": grant.ExpiresIn})
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.deps.Brokerage.Accounts(r.Context())
	if err != nil {
		s.dataError(w, r, err)
		return
	}
	writeJSON(w, accounts)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	id, ok := requireAccountID(w, r)
	if !ok {
		return
	}
	positions, err := s.deps.Brokerage.Positions(r.Context(), id)
	if err != nil {
		s.dataError(w, r, err)
		return
	}
	writeJSON(w, positions)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	id, ok := requireAccountID(w, r)
	if !ok {
		return
	}
	balances, err := s.deps.Brokerage.Balances(r.Context(), id)
	if err != nil {
		s.dataError(w, r, err)
		return
	}
	writeJSON(w, balances)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	id, ok := requireAccountID(w, r)
	if !ok {
		return
	}
	state := r.URL.Query().Get("state")
	if state == "" {
		state = "All"
	}
	orders, err := s.deps.Brokerage.Orders(r.Context(), id, state)
	if err != nil {
		s.dataError(w, r, err)
		return
	}
	writeJSON(w, orders)
}

func (s *Server) handleEquityHistory(w http.ResponseWriter, r *http.Request) {
	days := s.opts.DefaultDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > portfolio.MaxDays {
			writeError(w, http.StatusBadRequest, "days must be an integer between 1 and "+strconv.Itoa(portfolio.MaxDays))
			return
		}
		days = n
	}

	start := s.now()
	curve, err := s.deps.Equity.EquityHistory(r.Context(), days)
	if s.deps.Metrics != nil {
		s.deps.Metrics.EquityHistoryDur.Observe(s.now().Sub(start).Seconds())
	}
	if err != nil {
		if errors.Is(err, portfolio.ErrInvalidDays) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.dataError(w, r, err)
		return
	}
	writeJSON(w, curve)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":        "ok",
		"authenticated": !s.deps.Credentials.IsExpired(),
	}
	if s.deps.Health != nil {
		resp["credentials"] = s.deps.Health.Snapshot()
	}
	writeJSON(w, resp)
}

// requireTOTP rejects the request unless it carries a valid code for the
// admin secret, in the X-TOTP header or the totp query parameter. Without a
// configured secret it passes everything through.
func (s *Server) requireTOTP(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminTOTPSecret == "" {
			next(w, r)
			return
		}
		code := r.Header.Get("X-TOTP")
		if code == "" {
			code = r.URL.Query().Get("totp")
		}
		if code == "" || !totp.Validate(strings.TrimSpace(code), s.opts.AdminTOTPSecret) {
			slog.Warn("rejected admin request without valid totp",
				append(logger.LogWithTrace(r.Context()), "path", r.URL.Path)...)
			writeError(w, http.StatusUnauthorized, "valid X-TOTP code required")
			return
		}
		next(w, r)
	}
}

// dataError maps a brokerage failure: authentication problems are 401,
// everything else is a bad gateway.
func (s *Server) dataError(w http.ResponseWriter, r *http.Request, err error) {
	if questrade.IsAuthError(err) {
		slog.Info("brokerage request needs re-authentication",
			append(logger.LogWithTrace(r.Context()), "path", r.URL.Path, "error", err)...)
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	s.upstreamFailure(w, r, err)
}

func (s *Server) upstreamFailure(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("brokerage request failed",
		append(logger.LogWithTrace(r.Context()), "path", r.URL.Path, "error", err)...)
	writeError(w, http.StatusBadGateway, err.Error())
}

func requireAccountID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.URL.Query().Get("account_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing account_id query parameter")
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"detail": msg}); err != nil {
		slog.Error("encoding JSON error response", "error", err)
	}
}
