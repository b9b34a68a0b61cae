package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// Oura endpoint paths served by the mock.
const (
	PathDailyReadiness  = "/v2/usercollection/daily_readiness"
	PathDailyActivity   = "/v2/usercollection/daily_activity"
	PathDailySleep      = "/v2/usercollection/daily_sleep"
	PathSleep           = "/v2/usercollection/sleep"
	PathHeartRate       = "/v2/usercollection/heartrate"
	PathPersonalInfo    = "/v2/usercollection/personal_info"
	PathLegacyReadiness = "/v1/readiness"
	PathLegacyActivity  = "/v1/activity"
	PathLegacySleep     = "/v1/sleep"

	PathToken     = "/oauth/token"
	PathAuthorize = "/oauth/authorize"
)

var knownPaths = map[string]bool{
	PathDailyReadiness:  true,
	PathDailyActivity:   true,
	PathDailySleep:      true,
	PathSleep:           true,
	PathHeartRate:       true,
	PathLegacyReadiness: true,
	PathLegacyActivity:  true,
	PathLegacySleep:     true,
}

// MockOuraServer imitates the Oura API: collection endpoints, the OAuth
// token endpoint and the authorization page. Thread-safe for concurrent use
// from test goroutines and handler goroutines.
type MockOuraServer struct {
	*httptest.Server

	mu          sync.RWMutex
	collections map[string]string // path -> response body
	errors      map[string]int    // path -> injected status
	queries     map[string]url.Values
	requests    map[string]int
	accessToken string // required bearer; empty accepts any
	expiresIn   int
	personal    string

	unauthorizedLeft atomic.Int32
	tokenStatus      atomic.Int32
	tokenCount       atomic.Int64
	issued           atomic.Int64
}

// MockOption configures a MockOuraServer.
type MockOption func(*MockOuraServer)

// WithAccessToken sets the bearer token the data endpoints accept until
// the token endpoint issues a new one.
func WithAccessToken(token string) MockOption {
	return func(ms *MockOuraServer) {
		ms.accessToken = token
	}
}

// WithCollection sets the response body for a collection path.
func WithCollection(path, body string) MockOption {
	return func(ms *MockOuraServer) {
		ms.collections[path] = body
	}
}

// WithWeek serves w from the primary v2 endpoints.
func WithWeek(w Week) MockOption {
	return func(ms *MockOuraServer) {
		ms.collections[PathDailyReadiness] = Collection(w.Readiness...)
		ms.collections[PathDailyActivity] = Collection(w.Activity...)
		ms.collections[PathDailySleep] = Collection(w.Sleep...)
		ms.collections[PathSleep] = Collection(w.Sleep...)
	}
}

// WithExpiresIn sets expires_in on issued tokens. Zero omits the field.
func WithExpiresIn(seconds int) MockOption {
	return func(ms *MockOuraServer) {
		ms.expiresIn = seconds
	}
}

// NewOuraMock creates the mock without starting a listener. Serve it with
// Handler.
func NewOuraMock(opts ...MockOption) *MockOuraServer {
	ms := &MockOuraServer{
		collections: make(map[string]string),
		errors:      make(map[string]int),
		queries:     make(map[string]url.Values),
		requests:    make(map[string]int),
		expiresIn:   3600,
		personal:    mustJSON(PersonalInfo("me@example.com")),
	}
	for _, opt := range opts {
		opt(ms)
	}
	return ms
}

// NewMockOuraServer starts the mock on a local listener, closed when the
// test completes.
func NewMockOuraServer(t *testing.T, opts ...MockOption) *MockOuraServer {
	t.Helper()
	ms := NewOuraMock(opts...)
	ms.Server = httptest.NewServer(ms.Handler())
	t.Cleanup(ms.Close)
	return ms
}

// Handler returns the mock's routes.
func (ms *MockOuraServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+PathToken, ms.handleToken)
	mux.HandleFunc("GET "+PathAuthorize, ms.handleAuthorize)
	mux.HandleFunc("GET "+PathPersonalInfo, ms.handlePersonalInfo)
	mux.HandleFunc("POST /admin/collection", ms.handleAdminCollection)
	mux.HandleFunc("POST /admin/error", ms.handleAdminError)
	mux.HandleFunc("GET /admin/requests", ms.handleAdminRequests)
	mux.HandleFunc("GET /", ms.handleCollection)
	return mux
}

// SetCollection replaces the response body for path.
func (ms *MockOuraServer) SetCollection(path, body string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.collections[path] = body
}

// SetError makes path respond with status. Zero clears the injection.
func (ms *MockOuraServer) SetError(path string, status int) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if status == 0 {
		delete(ms.errors, path)
		return
	}
	ms.errors[path] = status
}

// FailUnauthorized makes the next n data requests respond 401.
func (ms *MockOuraServer) FailUnauthorized(n int) {
	ms.unauthorizedLeft.Store(int32(n))
}

// SetTokenStatus makes the token endpoint respond with status. Zero restores success.
func (ms *MockOuraServer) SetTokenStatus(status int) {
	ms.tokenStatus.Store(int32(status))
}

// Requests returns how many data requests path has received.
func (ms *MockOuraServer) Requests(path string) int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.requests[path]
}

// LastQuery returns the query of the most recent request to path.
func (ms *MockOuraServer) LastQuery(path string) url.Values {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.queries[path]
}

// TokenRequests returns how many token endpoint calls were made.
func (ms *MockOuraServer) TokenRequests() int64 {
	return ms.tokenCount.Load()
}

// AccessToken returns the bearer token currently accepted.
func (ms *MockOuraServer) AccessToken() string {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.accessToken
}

// Reset clears counters, injected errors and scripted failures.
func (ms *MockOuraServer) Reset() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.errors = make(map[string]int)
	ms.requests = make(map[string]int)
	ms.queries = make(map[string]url.Values)
	ms.unauthorizedLeft.Store(0)
	ms.tokenStatus.Store(0)
	ms.tokenCount.Store(0)
}

func (ms *MockOuraServer) authorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") || len(auth) == len("Bearer ") {
		return false
	}
	ms.mu.RLock()
	want := ms.accessToken
	ms.mu.RUnlock()
	return want == "" || auth == "Bearer "+want
}

// handleCollection handles GET on every collection endpoint.
func (ms *MockOuraServer) handleCollection(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	ms.mu.Lock()
	ms.requests[path]++
	ms.queries[path] = r.URL.Query()
	status := ms.errors[path]
	body, ok := ms.collections[path]
	ms.mu.Unlock()

	if !ok && !knownPaths[path] {
		http.NotFound(w, r)
		return
	}
	if status > 0 {
		writeJSON(w, status, fmt.Sprintf(`{"detail": "injected error %d"}`, status))
		return
	}
	if n := ms.unauthorizedLeft.Load(); n > 0 {
		ms.unauthorizedLeft.Add(-1)
		writeJSON(w, http.StatusUnauthorized, `{"detail": "token expired"}`)
		return
	}
	if !ms.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, `{"detail": "unauthorized"}`)
		return
	}
	if !ok {
		body = Collection()
	}
	writeJSON(w, http.StatusOK, body)
}

func (ms *MockOuraServer) handlePersonalInfo(w http.ResponseWriter, r *http.Request) {
	ms.mu.Lock()
	ms.requests[r.URL.Path]++
	body := ms.personal
	ms.mu.Unlock()

	if !ms.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, `{"detail": "unauthorized"}`)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// handleToken handles both authorization_code and refresh_token grants.
func (ms *MockOuraServer) handleToken(w http.ResponseWriter, r *http.Request) {
	ms.tokenCount.Add(1)

	if status := ms.tokenStatus.Load(); status > 0 {
		writeJSON(w, int(status), `{"error": "invalid_grant"}`)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, `{"error": "invalid_request"}`)
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		if r.PostForm.Get("code") == "" {
			writeJSON(w, http.StatusBadRequest, `{"error": "invalid_request"}`)
			return
		}
	case "refresh_token":
		if r.PostForm.Get("refresh_token") == "" {
			writeJSON(w, http.StatusBadRequest, `{"error": "invalid_request"}`)
			return
		}
	default:
		writeJSON(w, http.StatusBadRequest, `{"error": "unsupported_grant_type"}`)
		return
	}
	if r.PostForm.Get("client_id") == "" || r.PostForm.Get("client_secret") == "" {
		writeJSON(w, http.StatusUnauthorized, `{"error": "invalid_client"}`)
		return
	}

	n := ms.issued.Add(1)
	access := fmt.Sprintf("mock-access-%d", n)
	resp := map[string]any{
		"access_token":  access,
		"refresh_token": fmt.Sprintf("mock-refresh-%d", n),
		"token_type":    "bearer",
	}

	ms.mu.Lock()
	ms.accessToken = access
	if ms.expiresIn > 0 {
		resp["expires_in"] = ms.expiresIn
	}
	ms.mu.Unlock()

	writeJSON(w, http.StatusOK, mustJSON(resp))
}

// handleAuthorize approves every request and redirects back with a code.
func (ms *MockOuraServer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || redirect.Scheme == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	back := redirect.Query()
	back.Set("code", "mock-code")
	if state := q.Get("state"); state != "" {
		back.Set("state", state)
	}
	redirect.RawQuery = back.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// handleAdminCollection handles POST /admin/collection to swap a response at runtime.
func (ms *MockOuraServer) handleAdminCollection(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Path string `json:"path"`
		Body string `json:"body"`
	}
	if err := decodeAdmin(r, &payload); err != nil || payload.Path == "" {
		writeJSON(w, http.StatusBadRequest, `{"error": "path and body required"}`)
		return
	}
	ms.SetCollection(payload.Path, payload.Body)
	writeJSON(w, http.StatusOK, `{"ok": true}`)
}

// handleAdminError handles POST /admin/error to inject HTTP errors.
func (ms *MockOuraServer) handleAdminError(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Path         string `json:"path"`
		StatusCode   int    `json:"status_code"`
		Unauthorized int    `json:"unauthorized"`
	}
	if err := decodeAdmin(r, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, `{"error": "invalid payload"}`)
		return
	}
	if payload.Path != "" {
		ms.SetError(payload.Path, payload.StatusCode)
	}
	if payload.Unauthorized > 0 {
		ms.FailUnauthorized(payload.Unauthorized)
	}
	writeJSON(w, http.StatusOK, `{"ok": true}`)
}

// handleAdminRequests handles GET /admin/requests to report request counts.
func (ms *MockOuraServer) handleAdminRequests(w http.ResponseWriter, r *http.Request) {
	ms.mu.RLock()
	counts := make(map[string]int, len(ms.requests))
	for k, v := range ms.requests {
		counts[k] = v
	}
	ms.mu.RUnlock()
	writeJSON(w, http.StatusOK, mustJSON(map[string]any{
		"requests": counts,
		"token":    ms.tokenCount.Load(),
	}))
}

func decodeAdmin(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
