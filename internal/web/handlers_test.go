package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onllm-dev/onpulse/internal/api"
	"github.com/onllm-dev/onpulse/internal/auth"
	"github.com/onllm-dev/onpulse/internal/reconcile"
	"github.com/onllm-dev/onpulse/internal/testutil"
	"github.com/onllm-dev/onpulse/internal/tracker"
)

const (
	testEmail  = "me@example.com"
	testClient = "http://localhost:3000"
	weekStart  = "2024-01-01"
	weekEnd    = "2024-01-07"
)

type captureMailer struct {
	mu   sync.Mutex
	sent []string
}

func (m *captureMailer) Send(to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, body)
	return nil
}

var sixDigits = regexp.MustCompile(`\b(\d{6})\b`)

func (m *captureMailer) lastCode(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatal("no mail sent")
	}
	match := sixDigits.FindStringSubmatch(m.sent[len(m.sent)-1])
	if match == nil {
		t.Fatalf("no code in mail %q", m.sent[len(m.sent)-1])
	}
	return match[1]
}

type testEnv struct {
	mock   *testutil.MockOuraServer
	tokens *api.MemoryTokenStore
	client *api.OuraClient
	gate   *auth.Gate
	mailer *captureMailer
	routes http.Handler
}

func newTestEnv(t *testing.T, opts ...testutil.MockOption) *testEnv {
	t.Helper()
	logger := testutil.DiscardLogger()
	mock := testutil.NewMockOuraServer(t, append([]testutil.MockOption{testutil.WithWeek(testutil.TypicalWeek(weekStart))}, opts...)...)
	cfg := testutil.TestConfig(mock.URL)

	tokens := api.NewMemoryTokenStore()
	client := api.NewOuraClient(api.OuraCredentials{
		ClientID:     cfg.OuraClientID,
		ClientSecret: cfg.OuraClientSecret,
		RedirectURI:  cfg.OuraRedirectURI,
	}, logger,
		api.WithOuraBaseURL(cfg.OuraAPIBaseURL),
		api.WithOuraTokenURL(cfg.OuraTokenURL),
		api.WithOuraAuthorizeURL(cfg.OuraAuthorizeURL),
		api.WithOuraTokenStore(tokens),
	)
	rec := reconcile.New(client, logger)
	tr := tracker.New(rec, client, logger)
	tr.SetClock(func() time.Time {
		d, _ := time.ParseInLocation(reconcile.DateLayout, weekEnd, time.Local)
		return d.Add(12 * time.Hour)
	})

	mailer := &captureMailer{}
	gate, err := auth.NewGate(testutil.InMemoryStore(t), auth.Config{
		Secret:        cfg.JWTSecret,
		SessionTTL:    time.Hour,
		AllowedEmail:  cfg.AllowedEmail,
		AdminPassword: cfg.AdminPass,
	}, mailer, logger)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	h := NewHandler(gate, client, rec, tr, testClient, logger)
	return &testEnv{
		mock:   mock,
		tokens: tokens,
		client: client,
		gate:   gate,
		mailer: mailer,
		routes: Routes(h, gate, []string{testClient}, logger),
	}
}

// connect stores a live token pair as if the OAuth flow had completed.
func (e *testEnv) connect() {
	e.tokens.Set(api.TokenPair{
		AccessToken:  "live-access",
		RefreshToken: "live-refresh",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	})
}

// session returns a valid bearer credential.
func (e *testEnv) session(t *testing.T) string {
	t.Helper()
	completion, err := e.gate.IssueCompletion(testEmail)
	if err != nil {
		t.Fatalf("IssueCompletion: %v", err)
	}
	token, _, err := e.gate.ExchangeCompletion(completion)
	if err != nil {
		t.Fatalf("ExchangeCompletion: %v", err)
	}
	return token
}

func (e *testEnv) do(method, target, token, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.routes.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestOverview_NoSessionReturnsEmptyShape(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodGet, "/api/overview", env.session(t), "")

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	body := decode(t, rr)
	if body["connected"] != false {
		t.Errorf("connected = %v, want false", body["connected"])
	}
	if body["today"] != nil {
		t.Errorf("today = %v, want null", body["today"])
	}
	for _, key := range []string{"weeklyAverages", "trendData", "threeMonthTrendData"} {
		list, ok := body[key].([]any)
		if !ok || len(list) != 0 {
			t.Errorf("%s = %v, want []", key, body[key])
		}
	}
	if ins, ok := body["insights"].(map[string]any); !ok || len(ins) != 0 {
		t.Errorf("insights = %v, want {}", body["insights"])
	}
	if n := env.mock.Requests(testutil.PathDailyReadiness); n != 0 {
		t.Errorf("upstream requests = %d, want 0", n)
	}
	if rr.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("Cache-Control = %q", rr.Header().Get("Cache-Control"))
	}
}

func TestOverview_Connected(t *testing.T) {
	env := newTestEnv(t)
	env.connect()

	rr := env.do(http.MethodGet, "/api/overview", env.session(t), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	var ov tracker.Overview
	if err := json.Unmarshal(rr.Body.Bytes(), &ov); err != nil {
		t.Fatal(err)
	}
	if !ov.Connected {
		t.Fatal("connected = false, want true")
	}
	if ov.Today == nil || ov.Today.Day != weekEnd {
		t.Fatalf("today = %+v, want %s", ov.Today, weekEnd)
	}
	if len(ov.TrendData) != 7 {
		t.Errorf("len(trendData) = %d, want 7", len(ov.TrendData))
	}
	if ov.Today.Steps != 11000 {
		t.Errorf("today.steps = %d, want 11000", ov.Today.Steps)
	}
	if ov.Today.DeepSleepDuration != 90 {
		t.Errorf("today.deep_sleep_duration = %v, want 90 minutes", ov.Today.DeepSleepDuration)
	}
}

func TestOverview_UpstreamDownDegradesToDisconnected(t *testing.T) {
	env := newTestEnv(t)
	env.connect()
	for _, p := range []string{
		testutil.PathDailyReadiness, testutil.PathDailyActivity, testutil.PathDailySleep, testutil.PathSleep,
		testutil.PathLegacyReadiness, testutil.PathLegacyActivity, testutil.PathLegacySleep,
	} {
		env.mock.SetError(p, http.StatusServiceUnavailable)
	}

	rr := env.do(http.MethodGet, "/api/overview", env.session(t), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if body := decode(t, rr); body["connected"] != false {
		t.Errorf("connected = %v, want false", body["connected"])
	}
}

func TestProtectedRoutes_RequireBearer(t *testing.T) {
	env := newTestEnv(t)
	routes := []struct{ method, path string }{
		{http.MethodPost, "/api/auth/logout"},
		{http.MethodGet, "/api/overview"},
		{http.MethodGet, "/api/status"},
		{http.MethodGet, "/api/oauth/authorize-url"},
		{http.MethodPost, "/api/oauth/disconnect"},
		{http.MethodGet, "/api/dashboard/sleep-analysis"},
		{http.MethodGet, "/api/dashboard/activity-analysis"},
		{http.MethodGet, "/api/oura/daily"},
		{http.MethodGet, "/api/oura/weekly"},
		{http.MethodGet, "/api/oura/today"},
		{http.MethodGet, "/api/oura/sleep"},
		{http.MethodGet, "/api/oura/heartrate"},
		{http.MethodGet, "/api/oura/profile"},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			rr := env.do(rt.method, rt.path, "", "")
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("no token: status = %d, want 401", rr.Code)
			}
			if got := decode(t, rr)["error"]; got != "No token provided" {
				t.Errorf("error = %v", got)
			}
			if rr := env.do(rt.method, rt.path, "not-a-jwt", ""); rr.Code != http.StatusUnauthorized {
				t.Fatalf("garbage token: status = %d, want 401", rr.Code)
			}
		})
	}
}

func TestLoginFlow(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(http.MethodPost, "/api/auth/login", "", `{"email": "me@example.com", "password": "test-password"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rr.Code, rr.Body.String())
	}
	if body := decode(t, rr); body["requires2FA"] != true {
		t.Fatalf("requires2FA = %v", body["requires2FA"])
	}

	code := env.mailer.lastCode(t)
	rr = env.do(http.MethodPost, "/api/auth/verify-2fa", "", `{"email": "me@example.com", "code": "`+code+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("verify-2fa status = %d: %s", rr.Code, rr.Body.String())
	}
	body := decode(t, rr)
	token, _ := body["token"].(string)
	if token == "" || body["success"] != true {
		t.Fatalf("verify-2fa body = %v", body)
	}
	if user := body["user"].(map[string]any); user["email"] != testEmail || user["role"] != "admin" {
		t.Errorf("user = %v", user)
	}

	rr = env.do(http.MethodGet, "/api/auth/verify", token, "")
	if rr.Code != http.StatusOK || decode(t, rr)["valid"] != true {
		t.Fatalf("verify = %d %s", rr.Code, rr.Body.String())
	}

	if rr := env.do(http.MethodPost, "/api/auth/logout", token, ""); rr.Code != http.StatusOK {
		t.Fatalf("logout status = %d", rr.Code)
	}
	if rr := env.do(http.MethodGet, "/api/auth/verify", token, ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("verify after logout = %d, want 401", rr.Code)
	}
	if rr := env.do(http.MethodGet, "/api/overview", token, ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("overview after logout = %d, want 401", rr.Code)
	}
}

func TestLogin_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		errMsg string
	}{
		{"malformed", `{`, http.StatusBadRequest, "invalid request body"},
		{"no at sign", `{"email": "me", "password": "long-enough"}`, http.StatusBadRequest, ""},
		{"short password", `{"email": "me@example.com", "password": "123"}`, http.StatusBadRequest, ""},
		{"other email", `{"email": "you@example.com", "password": "test-password"}`, http.StatusForbidden, "Access denied. Only authorized users can access this dashboard."},
		{"wrong password", `{"email": "me@example.com", "password": "wrong-password"}`, http.StatusUnauthorized, "Invalid credentials"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rr := env.do(http.MethodPost, "/api/auth/login", "", tt.body)
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rr.Code, tt.status, rr.Body.String())
			}
			if tt.errMsg != "" {
				if got := decode(t, rr)["error"]; got != tt.errMsg {
					t.Errorf("error = %q, want %q", got, tt.errMsg)
				}
			}
		})
	}
}

func TestVerifyTwoFactor_Rejections(t *testing.T) {
	env := newTestEnv(t)
	if rr := env.do(http.MethodPost, "/api/auth/verify-2fa", "", `{"email": "me@example.com", "code": "12ab56"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad format status = %d, want 400", rr.Code)
	}
	if rr := env.do(http.MethodPost, "/api/auth/login", "", `{"email": "me@example.com", "password": "test-password"}`); rr.Code != http.StatusOK {
		t.Fatalf("login status = %d", rr.Code)
	}
	code := env.mailer.lastCode(t)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	rr := env.do(http.MethodPost, "/api/auth/verify-2fa", "", `{"email": "me@example.com", "code": "`+wrong+`"}`)
	if rr.Code != http.StatusBadRequest || decode(t, rr)["error"] != "Invalid 2FA code" {
		t.Fatalf("wrong code = %d %s", rr.Code, rr.Body.String())
	}
	rr = env.do(http.MethodPost, "/api/auth/verify-2fa", "", `{"email": "you@example.com", "code": "`+code+`"}`)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("other email status = %d, want 403", rr.Code)
	}
}

func TestLogin_RateLimited(t *testing.T) {
	env := newTestEnv(t)
	body := `{"email": "me@example.com", "password": "wrong-password"}`
	for i := range loginAttempts {
		if rr := env.do(http.MethodPost, "/api/auth/login", "", body); rr.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d, want 401", i+1, rr.Code)
		}
	}
	rr := env.do(http.MethodPost, "/api/auth/login", "", body)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if ra := rr.Header().Get("Retry-After"); ra == "" || ra == "0" {
		t.Errorf("Retry-After = %q", ra)
	}
	// Other endpoints are not affected.
	if rr := env.do(http.MethodGet, "/healthz", "", ""); rr.Code != http.StatusOK {
		t.Errorf("healthz = %d", rr.Code)
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)
	token := env.session(t)

	body := decode(t, env.do(http.MethodGet, "/api/status", token, ""))
	if body["connected"] != false || !strings.Contains(body["message"].(string), "not connected") {
		t.Fatalf("disconnected status = %v", body)
	}

	env.connect()
	body = decode(t, env.do(http.MethodGet, "/api/status", token, ""))
	if body["connected"] != true || body["message"] != "Oura Ring connected" {
		t.Fatalf("connected status = %v", body)
	}
	if _, ok := body["connectedAt"]; ok {
		t.Error("connectedAt present without a connected-since source")
	}
}

func TestStatus_ConnectedSince(t *testing.T) {
	since := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	h := NewHandler(nil, fakeOura{connected: true}, nil, nil, testClient, testutil.DiscardLogger())
	h.SetConnectedSince(func() (time.Time, bool) { return since, true })

	rr := httptest.NewRecorder()
	h.Status(rr, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if got := decode(t, rr)["connectedAt"]; got != "2024-01-02T03:04:05Z" {
		t.Fatalf("connectedAt = %v", got)
	}
}

func TestOAuthFlow_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	token := env.session(t)

	rr := env.do(http.MethodGet, "/api/oauth/authorize-url", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("authorize-url status = %d: %s", rr.Code, rr.Body.String())
	}
	authURL, err := url.Parse(decode(t, rr)["authUrl"].(string))
	if err != nil {
		t.Fatal(err)
	}
	state := authURL.Query().Get("state")
	if state == "" || authURL.Query().Get("client_id") != "test-client-id" {
		t.Fatalf("authUrl = %s", authURL)
	}

	// The provider approves and redirects the browser back with a code.
	noFollow := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := noFollow.Get(authURL.String())
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	back, _ := url.Parse(resp.Header.Get("Location"))
	if back.Query().Get("state") != state {
		t.Fatalf("provider redirect = %s", back)
	}

	rr = env.do(http.MethodGet, "/api/oauth/callback?"+back.RawQuery, "", "")
	if rr.Code != http.StatusFound {
		t.Fatalf("callback status = %d, want 302", rr.Code)
	}
	loc, _ := url.Parse(rr.Header().Get("Location"))
	if !strings.HasPrefix(loc.String(), testClient+"/oauth/callback?") || loc.Query().Get("oura_connected") != "true" {
		t.Fatalf("callback Location = %s", loc)
	}
	if !env.client.HasValidSession() {
		t.Fatal("client has no session after callback")
	}

	temp := loc.Query().Get("temp_token")
	rr = env.do(http.MethodPost, "/api/auth/oauth-complete", "", `{"token": "`+temp+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("oauth-complete status = %d: %s", rr.Code, rr.Body.String())
	}
	fresh, _ := decode(t, rr)["token"].(string)
	if body := decode(t, env.do(http.MethodGet, "/api/status", fresh, "")); body["connected"] != true {
		t.Fatalf("status after connect = %v", body)
	}

	// Completion credentials are single use; states too.
	if rr := env.do(http.MethodPost, "/api/auth/oauth-complete", "", `{"token": "`+temp+`"}`); rr.Code != http.StatusUnauthorized {
		t.Fatalf("replayed completion status = %d, want 401", rr.Code)
	}
	rr = env.do(http.MethodGet, "/api/oauth/callback?"+back.RawQuery, "", "")
	if got := callbackError(t, rr); got != oauthErrInvalidState {
		t.Fatalf("replayed state = %q, want invalid_state", got)
	}
}

func callbackError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rr.Code)
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(loc.String(), testClient+"/oauth/callback?") {
		t.Fatalf("Location = %s", loc)
	}
	return loc.Query().Get("oura_error")
}

func TestOAuthCallback_Errors(t *testing.T) {
	tests := []struct {
		name  string
		query string
		setup func(*testEnv)
		want  string
	}{
		{"provider denied", "error=access_denied", nil, "access_denied"},
		{"provider error sanitized", "error=%3Cscript%3E", nil, "script"},
		{"unknown state", "code=abc&state=bogus", nil, oauthErrInvalidState},
		{"missing code", "", nil, oauthErrMissingCode},
		{"token endpoint rejects", "code=abc", func(e *testEnv) { e.mock.SetTokenStatus(http.StatusBadRequest) }, "invalid_request"},
		{"token endpoint unauthorized", "code=abc", func(e *testEnv) { e.mock.SetTokenStatus(http.StatusUnauthorized) }, "unauthorized"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.setup != nil {
				tt.setup(env)
			}
			rr := env.do(http.MethodGet, "/api/oauth/callback?"+tt.query, "", "")
			if got := callbackError(t, rr); got != tt.want {
				t.Fatalf("oura_error = %q, want %q", got, tt.want)
			}
			if env.client.HasValidSession() {
				t.Error("session established on a failed callback")
			}
		})
	}
}

func TestOAuthCallback_NoStateUsesAllowedEmail(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodGet, "/api/oauth/callback?code=abc", "", "")
	loc, _ := url.Parse(rr.Header().Get("Location"))
	temp := loc.Query().Get("temp_token")
	if temp == "" {
		t.Fatalf("Location = %s", loc)
	}
	_, p, err := env.gate.ExchangeCompletion(temp)
	if err != nil {
		t.Fatal(err)
	}
	if p.Email != testEmail {
		t.Fatalf("principal = %q, want %q", p.Email, testEmail)
	}
}

func TestOAuthCallback_ConfigMissing(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(env.gate, api.NewOuraClient(api.OuraCredentials{}, testutil.DiscardLogger()), nil, nil, testClient, testutil.DiscardLogger())

	rr := httptest.NewRecorder()
	h.OAuthCallback(rr, httptest.NewRequest(http.MethodGet, "/api/oauth/callback?code=abc", nil))
	if got := callbackError(t, rr); got != oauthErrConfigMissing {
		t.Fatalf("oura_error = %q, want %q", got, oauthErrConfigMissing)
	}

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/oauth/authorize-url", nil)
	h.AuthorizeURL(rr, req)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("authorize-url status = %d, want 500", rr.Code)
	}
}

func TestDisconnect(t *testing.T) {
	env := newTestEnv(t)
	env.connect()
	token := env.session(t)

	if rr := env.do(http.MethodPost, "/api/oauth/disconnect", token, ""); rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if env.client.HasValidSession() {
		t.Fatal("session survived disconnect")
	}
	if body := decode(t, env.do(http.MethodGet, "/api/overview", token, "")); body["connected"] != false {
		t.Fatalf("overview after disconnect = %v", body)
	}
}

func TestAnalyses(t *testing.T) {
	env := newTestEnv(t)
	token := env.session(t)

	for _, path := range []string{"/api/dashboard/sleep-analysis", "/api/dashboard/activity-analysis"} {
		rr := env.do(http.MethodGet, path, token, "")
		if rr.Code != http.StatusConflict || decode(t, rr)["error"] != "oura not connected" {
			t.Fatalf("%s without session = %d %s", path, rr.Code, rr.Body.String())
		}
	}

	env.connect()
	rr := env.do(http.MethodGet, "/api/dashboard/sleep-analysis", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("sleep-analysis status = %d: %s", rr.Code, rr.Body.String())
	}
	var sleep tracker.SleepAnalysis
	if err := json.Unmarshal(rr.Body.Bytes(), &sleep); err != nil {
		t.Fatal(err)
	}
	if len(sleep.SleepData) != 7 {
		t.Fatalf("len(sleepData) = %d, want 7", len(sleep.SleepData))
	}

	rr = env.do(http.MethodGet, "/api/dashboard/activity-analysis", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("activity-analysis status = %d", rr.Code)
	}
	var activity tracker.ActivityAnalysis
	if err := json.Unmarshal(rr.Body.Bytes(), &activity); err != nil {
		t.Fatal(err)
	}
	if len(activity.ActivityData) != 7 {
		t.Fatalf("len(activityData) = %d, want 7", len(activity.ActivityData))
	}
}

func TestRawEndpoints(t *testing.T) {
	env := newTestEnv(t)
	token := env.session(t)
	rng := "?start_date=" + weekStart + "&end_date=" + weekEnd

	if rr := env.do(http.MethodGet, "/api/oura/daily"+rng, token, ""); rr.Code != http.StatusConflict {
		t.Fatalf("daily without session = %d, want 409", rr.Code)
	}
	env.connect()

	for _, q := range []string{"", "?start_date=2024-01-01", "?start_date=bad&end_date=2024-01-07", "?start_date=2024-01-07&end_date=2024-01-01"} {
		if rr := env.do(http.MethodGet, "/api/oura/daily"+q, token, ""); rr.Code != http.StatusBadRequest {
			t.Errorf("daily%s = %d, want 400", q, rr.Code)
		}
	}

	var daily struct {
		Success bool                    `json:"success"`
		Data    []reconcile.DailyRecord `json:"data"`
	}
	rr := env.do(http.MethodGet, "/api/oura/daily"+rng, token, "")
	if err := json.Unmarshal(rr.Body.Bytes(), &daily); err != nil || !daily.Success || len(daily.Data) != 7 {
		t.Fatalf("daily = %d %s", rr.Code, rr.Body.String())
	}

	var weekly struct {
		Success bool                    `json:"success"`
		Data    []tracker.WeeklyAverage `json:"data"`
	}
	rr = env.do(http.MethodGet, "/api/oura/weekly"+rng, token, "")
	if err := json.Unmarshal(rr.Body.Bytes(), &weekly); err != nil || !weekly.Success || len(weekly.Data) == 0 {
		t.Fatalf("weekly = %d %s", rr.Code, rr.Body.String())
	}

	var today struct {
		Data *reconcile.DailyRecord `json:"data"`
	}
	rr = env.do(http.MethodGet, "/api/oura/today", token, "")
	if err := json.Unmarshal(rr.Body.Bytes(), &today); err != nil || today.Data == nil || today.Data.Day != weekEnd {
		t.Fatalf("today = %d %s", rr.Code, rr.Body.String())
	}

	for _, path := range []string{"/api/oura/sleep" + rng, "/api/oura/heartrate" + rng, "/api/oura/profile"} {
		rr := env.do(http.MethodGet, path, token, "")
		if rr.Code != http.StatusOK || decode(t, rr)["success"] != true {
			t.Errorf("%s = %d %s", path, rr.Code, rr.Body.String())
		}
	}
	if q := env.mock.LastQuery(testutil.PathHeartRate); q.Get("start_datetime") != weekStart+"T00:00:00Z" {
		t.Errorf("heartrate query = %v", q)
	}
}

func TestRawEndpoints_UpstreamErrors(t *testing.T) {
	tests := []struct {
		status int
		want   int
	}{
		{http.StatusTooManyRequests, http.StatusTooManyRequests},
		{http.StatusInternalServerError, http.StatusBadGateway},
		{http.StatusForbidden, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			env := newTestEnv(t)
			env.connect()
			env.mock.SetError(testutil.PathSleep, tt.status)
			rr := env.do(http.MethodGet, "/api/oura/sleep?start_date="+weekStart+"&end_date="+weekEnd, env.session(t), "")
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestReconciledEndpoints_UpstreamErrors(t *testing.T) {
	dataPaths := []string{
		testutil.PathDailyReadiness, testutil.PathLegacyReadiness,
		testutil.PathDailyActivity, testutil.PathLegacyActivity,
		testutil.PathDailySleep, testutil.PathSleep, testutil.PathLegacySleep,
	}
	rng := "?start_date=" + weekStart + "&end_date=" + weekEnd

	tests := []struct {
		name  string
		setup func(*testutil.MockOuraServer)
		want  int
	}{
		{"revoked refresh token", func(m *testutil.MockOuraServer) {
			m.FailUnauthorized(1000)
			m.SetTokenStatus(http.StatusBadRequest)
		}, http.StatusConflict},
		{"rate limited", func(m *testutil.MockOuraServer) {
			for _, p := range dataPaths {
				m.SetError(p, http.StatusTooManyRequests)
			}
		}, http.StatusTooManyRequests},
		{"server error", func(m *testutil.MockOuraServer) {
			for _, p := range dataPaths {
				m.SetError(p, http.StatusInternalServerError)
			}
		}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.connect()
			token := env.session(t)
			tt.setup(env.mock)
			for _, path := range []string{"/api/oura/daily" + rng, "/api/oura/weekly" + rng, "/api/oura/today"} {
				rr := env.do(http.MethodGet, path, token, "")
				if rr.Code != tt.want {
					t.Errorf("%s = %d %s, want %d", path, rr.Code, rr.Body.String(), tt.want)
				}
			}
		})
	}
}

func TestReconciledEndpoints_PartialFailureStillServes(t *testing.T) {
	env := newTestEnv(t)
	env.connect()
	env.mock.SetError(testutil.PathDailyActivity, http.StatusInternalServerError)
	env.mock.SetError(testutil.PathLegacyActivity, http.StatusInternalServerError)

	rr := env.do(http.MethodGet, "/api/oura/daily?start_date="+weekStart+"&end_date="+weekEnd, env.session(t), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rr.Code, rr.Body.String())
	}
	if data, _ := decode(t, rr)["data"].([]any); len(data) != 7 {
		t.Fatalf("len(data) = %d, want 7", len(data))
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/overview", nil)
	req.Header.Set("Origin", testClient)
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	rr := httptest.NewRecorder()
	env.routes.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != testClient {
		t.Fatalf("Access-Control-Allow-Origin = %q, want %q", got, testClient)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/overview", nil)
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rr = httptest.NewRecorder()
	env.routes.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("foreign origin allowed: %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodGet, "/healthz", "", "")
	rr := env.do(http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `onpulse_http_requests_total{method="GET",path="GET /healthz",status="200"}`) {
		t.Fatal("request metric for /healthz missing")
	}
}

type fakeOura struct {
	connected bool
}

func (f fakeOura) HasValidSession() bool { return f.connected }

func (f fakeOura) AuthorizeURL(string) (string, error) { return "", api.ErrConfigMissing }

func (f fakeOura) ExchangeCode(context.Context, string) (api.TokenPair, error) {
	return api.TokenPair{}, api.ErrConfigMissing
}

func (f fakeOura) FetchCollection(context.Context, string, url.Values) ([]api.Document, error) {
	return nil, api.ErrNoSession
}

func (f fakeOura) FetchPersonalInfo(context.Context) (api.Document, error) { return nil, api.ErrNoSession }

func (f fakeOura) Disconnect() {}
