// Package web provides the HTTP API for the onPulse dashboard.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/onllm-dev/onpulse/internal/api"
	"github.com/onllm-dev/onpulse/internal/auth"
	"github.com/onllm-dev/onpulse/internal/tracker"
)

const maxRequestBody = 1 << 20

// OuraService is the subset of *api.OuraClient the handlers use.
type OuraService interface {
	HasValidSession() bool
	AuthorizeURL(state string) (string, error)
	ExchangeCode(ctx context.Context, code string) (api.TokenPair, error)
	FetchCollection(ctx context.Context, path string, query url.Values) ([]api.Document, error)
	FetchPersonalInfo(ctx context.Context) (api.Document, error)
	Disconnect()
}

// Handler handles HTTP requests for the dashboard API.
type Handler struct {
	gate      *auth.Gate
	oura      OuraService
	records   tracker.RecordSource
	tracker   *tracker.Tracker
	clientURL string
	logger    *slog.Logger

	connectedSince func() (time.Time, bool)
}

// NewHandler creates a new Handler instance.
func NewHandler(gate *auth.Gate, oura OuraService, records tracker.RecordSource, tr *tracker.Tracker, clientURL string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		gate:      gate,
		oura:      oura,
		records:   records,
		tracker:   tr,
		clientURL: strings.TrimRight(clientURL, "/"),
		logger:    logger,
	}
}

// SetConnectedSince reports when the Oura account was connected in status responses.
func (h *Handler) SetConnectedSince(fn func() (time.Time, bool)) {
	h.connectedSince = fn
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// decodeBody decodes a bounded JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v)
}

type userInfo struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

func userOf(p auth.Principal) userInfo {
	return userInfo{Email: p.Email, Role: "admin"}
}

var codeFormat = regexp.MustCompile(`^\d{6}$`)

// Login handles POST /api/auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !strings.Contains(req.Email, "@") || len(req.Password) < 6 {
		respondError(w, http.StatusBadRequest, "a valid email and a password of at least 6 characters are required")
		return
	}

	err := h.gate.Login(req.Email, req.Password)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]any{
			"message":     "2FA code sent to your email",
			"requires2FA": true,
		})
	case errors.Is(err, auth.ErrEmailNotAllowed):
		h.logger.Warn("login attempt for disallowed email", "ip", getClientIP(r))
		respondError(w, http.StatusForbidden, "Access denied. Only authorized users can access this dashboard.")
	case errors.Is(err, auth.ErrInvalidPassword):
		h.logger.Warn("login failed", "ip", getClientIP(r))
		respondError(w, http.StatusUnauthorized, "Invalid credentials")
	case errors.Is(err, auth.ErrDelivery):
		respondError(w, http.StatusBadGateway, "failed to send verification code")
	default:
		h.logger.Error("login error", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// VerifyTwoFactor handles POST /api/auth/verify-2fa.
func (h *Handler) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !codeFormat.MatchString(req.Code) {
		respondError(w, http.StatusBadRequest, "code must be 6 digits")
		return
	}

	token, p, err := h.gate.VerifyTwoFactor(req.Email, req.Code)
	switch {
	case err == nil:
		h.logger.Info("login completed", "email", p.Email)
		respondJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"token":   token,
			"user":    userOf(p),
		})
	case errors.Is(err, auth.ErrEmailNotAllowed):
		respondError(w, http.StatusForbidden, "Access denied. Only authorized users can access this dashboard.")
	case errors.Is(err, auth.ErrCodeExpired):
		respondError(w, http.StatusBadRequest, "2FA code expired. Please login again.")
	case errors.Is(err, auth.ErrTooManyAttempts):
		respondError(w, http.StatusTooManyRequests, "Too many attempts. Please login again.")
	case errors.Is(err, auth.ErrInvalidCode):
		respondError(w, http.StatusBadRequest, "Invalid 2FA code")
	default:
		h.logger.Error("2fa verification error", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// Verify handles GET /api/auth/verify.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		respondError(w, http.StatusUnauthorized, "No token provided")
		return
	}
	p, err := h.gate.Verify(token)
	if err != nil {
		respondError(w, http.StatusUnauthorized, credentialMessage(err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"valid": true,
		"user": map[string]any{
			"email": p.Email,
			"role":  "admin",
			"exp":   p.ExpiresAt.Unix(),
		},
	})
}

// OAuthComplete handles POST /api/auth/oauth-complete, swapping the one-time
// completion credential from the OAuth callback for a session.
func (h *Handler) OAuthComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &req); err != nil || req.Token == "" {
		respondError(w, http.StatusBadRequest, "token is required")
		return
	}
	token, p, err := h.gate.ExchangeCompletion(req.Token)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredential) && !errors.Is(err, auth.ErrExpiredCredential) {
			h.logger.Error("oauth completion error", "error", err)
			respondError(w, http.StatusInternalServerError, "internal error")
			return
		}
		respondError(w, http.StatusUnauthorized, credentialMessage(err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"token":   token,
		"user":    userOf(p),
	})
}

// Logout handles POST /api/auth/logout.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.gate.Logout(bearerToken(r)); err != nil {
		if errors.Is(err, auth.ErrInvalidCredential) || errors.Is(err, auth.ErrExpiredCredential) {
			respondError(w, http.StatusUnauthorized, credentialMessage(err))
			return
		}
		h.logger.Error("logout error", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Overview handles GET /api/overview. Upstream trouble degrades to the
// disconnected shape with HTTP 200.
func (h *Handler) Overview(w http.ResponseWriter, r *http.Request) {
	ov, err := h.tracker.Overview(r.Context())
	if err != nil {
		// Only cancellation reaches here; the client is gone.
		respondError(w, http.StatusServiceUnavailable, "request cancelled")
		return
	}
	respondJSON(w, http.StatusOK, ov)
}

// Status handles GET /api/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	connected := h.oura.HasValidSession()
	resp := map[string]any{
		"connected": connected,
		"message":   "Oura Ring not connected. Connect your account to see your data.",
	}
	if connected {
		resp["message"] = "Oura Ring connected"
		if h.connectedSince != nil {
			if since, ok := h.connectedSince(); ok {
				resp["connectedAt"] = since.UTC().Format(time.RFC3339)
			}
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// SleepAnalysis handles GET /api/dashboard/sleep-analysis.
func (h *Handler) SleepAnalysis(w http.ResponseWriter, r *http.Request) {
	analysis, err := h.tracker.SleepAnalysis(r.Context())
	if err != nil {
		h.respondAnalysisError(w, "sleep", err)
		return
	}
	respondJSON(w, http.StatusOK, analysis)
}

// ActivityAnalysis handles GET /api/dashboard/activity-analysis.
func (h *Handler) ActivityAnalysis(w http.ResponseWriter, r *http.Request) {
	analysis, err := h.tracker.ActivityAnalysis(r.Context())
	if err != nil {
		h.respondAnalysisError(w, "activity", err)
		return
	}
	respondJSON(w, http.StatusOK, analysis)
}

func (h *Handler) respondAnalysisError(w http.ResponseWriter, kind string, err error) {
	if errors.Is(err, tracker.ErrNotConnected) {
		respondError(w, http.StatusConflict, "oura not connected")
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		respondError(w, http.StatusServiceUnavailable, "request cancelled")
		return
	}
	h.logger.Error("analysis failed", "kind", kind, "error", err)
	respondError(w, http.StatusInternalServerError, "failed to build "+kind+" analysis")
}

func credentialMessage(err error) string {
	if errors.Is(err, auth.ErrExpiredCredential) {
		return "Token expired"
	}
	return "Invalid token"
}
