package web

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/onllm-dev/onpulse/internal/api"
	"github.com/onllm-dev/onpulse/internal/auth"
	"github.com/onllm-dev/onpulse/internal/reconcile"
	"github.com/onllm-dev/onpulse/internal/tracker"
)

// Error codes carried in the oura_error redirect parameter.
const (
	oauthErrMissingCode   = "missing_code"
	oauthErrInvalidState  = "invalid_state"
	oauthErrConfigMissing = "config_missing"
	oauthErrServer        = "server_error"
)

// maxRangeDays bounds raw date-range queries.
const maxRangeDays = 366

// AuthorizeURL handles GET /api/oauth/authorize-url.
func (h *Handler) AuthorizeURL(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	state, err := h.gate.IssueOAuthState(p.Email)
	if err != nil {
		h.logger.Error("failed to issue oauth state", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	authURL, err := h.oura.AuthorizeURL(state)
	if err != nil {
		if errors.Is(err, api.ErrConfigMissing) {
			respondError(w, http.StatusInternalServerError, "Oura OAuth is not configured")
			return
		}
		h.logger.Error("failed to build authorize URL", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"authUrl": authURL})
}

// OAuthCallback handles GET /api/oauth/callback. It is public: the browser
// arrives here from the Oura authorization page, and always leaves with a
// redirect to the client.
func (h *Handler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if upstream := q.Get("error"); upstream != "" {
		h.logger.Warn("oura authorization denied", "error", upstream)
		h.redirectOAuthError(w, r, sanitizeErrorCode(upstream))
		return
	}

	subject := h.gate.AllowedEmail()
	if state := q.Get("state"); state != "" {
		s, err := h.gate.ConsumeOAuthState(state)
		if err != nil {
			if !errors.Is(err, auth.ErrInvalidState) {
				h.logger.Error("failed to consume oauth state", "error", err)
			}
			h.redirectOAuthError(w, r, oauthErrInvalidState)
			return
		}
		subject = s
	}

	code := q.Get("code")
	if code == "" {
		h.redirectOAuthError(w, r, oauthErrMissingCode)
		return
	}

	if _, err := h.oura.ExchangeCode(r.Context(), code); err != nil {
		var exErr *api.OAuthExchangeError
		switch {
		case errors.Is(err, api.ErrConfigMissing):
			h.logger.Error("oura OAuth client credentials not configured")
			h.redirectOAuthError(w, r, oauthErrConfigMissing)
		case errors.As(err, &exErr):
			h.logger.Warn("oura code exchange rejected", "status", exErr.Status, "kind", exErr.Kind())
			h.redirectOAuthError(w, r, exErr.Kind())
		default:
			h.logger.Error("oura code exchange failed", "error", err)
			h.redirectOAuthError(w, r, "unknown")
		}
		return
	}

	completion, err := h.gate.IssueCompletion(subject)
	if err != nil {
		h.logger.Error("failed to issue completion credential", "error", err)
		h.redirectOAuthError(w, r, oauthErrServer)
		return
	}

	h.logger.Info("oura account connected", "email", subject)
	v := url.Values{}
	v.Set("oura_connected", "true")
	v.Set("temp_token", completion)
	http.Redirect(w, r, h.clientURL+"/oauth/callback?"+v.Encode(), http.StatusFound)
}

func (h *Handler) redirectOAuthError(w http.ResponseWriter, r *http.Request, code string) {
	v := url.Values{}
	v.Set("oura_error", code)
	http.Redirect(w, r, h.clientURL+"/oauth/callback?"+v.Encode(), http.StatusFound)
}

// sanitizeErrorCode keeps upstream error codes to a safe character set.
func sanitizeErrorCode(code string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(code) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' {
			b.WriteRune(c)
		}
		if b.Len() >= 64 {
			break
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

// Disconnect handles POST /api/oauth/disconnect.
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	h.oura.Disconnect()
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "connected": false})
}

// requireOura writes 409 and returns false when no Oura account is connected.
func (h *Handler) requireOura(w http.ResponseWriter) bool {
	if !h.oura.HasValidSession() {
		respondError(w, http.StatusConflict, "oura not connected")
		return false
	}
	return true
}

// parseDateRange reads start_date and end_date as ISO dates.
func parseDateRange(r *http.Request) (start, end string, ok bool) {
	start = r.URL.Query().Get("start_date")
	end = r.URL.Query().Get("end_date")
	s, err := time.Parse(reconcile.DateLayout, start)
	if err != nil {
		return "", "", false
	}
	e, err := time.Parse(reconcile.DateLayout, end)
	if err != nil {
		return "", "", false
	}
	if e.Before(s) || e.Sub(s) > maxRangeDays*24*time.Hour {
		return "", "", false
	}
	return start, end, true
}

func respondData(w http.ResponseWriter, data any) {
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})
}

// respondUpstreamError maps upstream failures on the raw endpoints.
func (h *Handler) respondUpstreamError(w http.ResponseWriter, what string, err error) {
	switch {
	case errors.Is(err, api.ErrNoSession):
		respondError(w, http.StatusConflict, "oura not connected")
	case errors.Is(err, api.ErrNoRefreshToken), errors.Is(err, api.ErrRefreshFailed), errors.Is(err, api.ErrUnauthorized):
		respondError(w, http.StatusConflict, "oura session expired, reconnect your account")
	case errors.Is(err, api.ErrRateLimited):
		respondError(w, http.StatusTooManyRequests, "oura rate limit reached, try again later")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "oura request timed out")
	default:
		h.logger.Error("oura request failed", "what", what, "error", err)
		respondError(w, http.StatusBadGateway, "failed to fetch "+what)
	}
}

// reconciledRange reconciles a range for the raw endpoints. A range where
// every category failed is reported as an upstream error, readiness first.
func (h *Handler) reconciledRange(w http.ResponseWriter, r *http.Request, what, start, end string) (*reconcile.Result, bool) {
	res, err := h.records.DailyRecords(r.Context(), start, end)
	if err != nil {
		h.respondUpstreamError(w, what, err)
		return nil, false
	}
	if res.AllFailed() {
		for _, c := range reconcile.Categories {
			if ferr := res.Failures[c]; ferr != nil {
				h.respondUpstreamError(w, what, ferr)
				return nil, false
			}
		}
	}
	return res, true
}

// Daily handles GET /api/oura/daily.
func (h *Handler) Daily(w http.ResponseWriter, r *http.Request) {
	start, end, ok := parseDateRange(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "start_date and end_date must be ISO dates (YYYY-MM-DD) in order")
		return
	}
	if !h.requireOura(w) {
		return
	}
	res, ok := h.reconciledRange(w, r, "daily data", start, end)
	if !ok {
		return
	}
	records := res.Records
	if records == nil {
		records = []reconcile.DailyRecord{}
	}
	respondData(w, records)
}

// Weekly handles GET /api/oura/weekly.
func (h *Handler) Weekly(w http.ResponseWriter, r *http.Request) {
	start, end, ok := parseDateRange(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "start_date and end_date must be ISO dates (YYYY-MM-DD) in order")
		return
	}
	if !h.requireOura(w) {
		return
	}
	res, ok := h.reconciledRange(w, r, "weekly data", start, end)
	if !ok {
		return
	}
	respondData(w, tracker.WeeklyAverages(res.Records))
}

// Today handles GET /api/oura/today.
func (h *Handler) Today(w http.ResponseWriter, r *http.Request) {
	if !h.requireOura(w) {
		return
	}
	today := h.tracker.Today()
	res, ok := h.reconciledRange(w, r, "today's data", today, today)
	if !ok {
		return
	}
	respondData(w, tracker.FindDay(res.Records, today))
}

// Sleep handles GET /api/oura/sleep, passing sleep periods through.
func (h *Handler) Sleep(w http.ResponseWriter, r *http.Request) {
	start, end, ok := parseDateRange(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "start_date and end_date must be ISO dates (YYYY-MM-DD) in order")
		return
	}
	if !h.requireOura(w) {
		return
	}
	q := url.Values{}
	q.Set("start_date", start)
	q.Set("end_date", end)
	docs, err := h.oura.FetchCollection(r.Context(), "/v2/usercollection/sleep", q)
	if err != nil {
		h.respondUpstreamError(w, "sleep data", err)
		return
	}
	respondData(w, docs)
}

// HeartRate handles GET /api/oura/heartrate, passing samples through.
func (h *Handler) HeartRate(w http.ResponseWriter, r *http.Request) {
	start, end, ok := parseDateRange(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "start_date and end_date must be ISO dates (YYYY-MM-DD) in order")
		return
	}
	if !h.requireOura(w) {
		return
	}
	q := url.Values{}
	q.Set("start_datetime", start+"T00:00:00Z")
	q.Set("end_datetime", end+"T23:59:59Z")
	docs, err := h.oura.FetchCollection(r.Context(), "/v2/usercollection/heartrate", q)
	if err != nil {
		h.respondUpstreamError(w, "heart rate data", err)
		return
	}
	respondData(w, docs)
}

// Profile handles GET /api/oura/profile.
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	if !h.requireOura(w) {
		return
	}
	info, err := h.oura.FetchPersonalInfo(r.Context())
	if err != nil {
		h.respondUpstreamError(w, "profile", err)
		return
	}
	respondData(w, info)
}
