package web

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onllm-dev/onpulse/internal/auth"
	"github.com/onllm-dev/onpulse/internal/testutil"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer", ""},
		{"Bearer ", ""},
		{"Bearer abc.def", "abc.def"},
		{"bearer abc", "abc"},
		{"Bearer   padded  ", "padded"},
		{"Basic dXNlcjpwYXNz", ""},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		if got := bearerToken(r); got != tt.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func newGate(t *testing.T) *auth.Gate {
	t.Helper()
	g, err := auth.NewGate(testutil.InMemoryStore(t), auth.Config{
		Secret:        "middleware-secret",
		SessionTTL:    time.Hour,
		AllowedEmail:  testEmail,
		AdminPassword: "test-password",
	}, nil, testutil.DiscardLogger())
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestBearerAuth(t *testing.T) {
	gate := newGate(t)
	var seen auth.Principal
	protected := BearerAuth(gate)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			t.Error("principal missing from context")
		}
		seen = p
		w.WriteHeader(http.StatusNoContent)
	}))

	completion, _ := gate.IssueCompletion(testEmail)
	session, _, err := gate.ExchangeCompletion(completion)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		header string
		status int
		msg    string
	}{
		{"missing", "", http.StatusUnauthorized, "No token provided"},
		{"garbage", "Bearer nope", http.StatusUnauthorized, "Invalid token"},
		{"completion is not a session", "Bearer " + completion, http.StatusUnauthorized, "Invalid token"},
		{"valid", "Bearer " + session, http.StatusNoContent, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/overview", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			protected.ServeHTTP(rr, r)
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d", rr.Code, tt.status)
			}
			if tt.msg != "" {
				if got := decode(t, rr)["error"]; got != tt.msg {
					t.Errorf("error = %v, want %q", got, tt.msg)
				}
			}
		})
	}
	if seen.Email != testEmail {
		t.Errorf("principal email = %q, want %q", seen.Email, testEmail)
	}
}

func TestBearerAuth_Expired(t *testing.T) {
	gate := newGate(t)
	now := time.Now()
	gate.SetClock(func() time.Time { return now })
	completion, _ := gate.IssueCompletion(testEmail)
	session, _, err := gate.ExchangeCompletion(completion)
	if err != nil {
		t.Fatal(err)
	}
	gate.SetClock(func() time.Time { return now.Add(2 * time.Hour) })

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+session)
	rr := httptest.NewRecorder()
	BearerAuth(gate)(http.NotFoundHandler()).ServeHTTP(rr, r)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if got := decode(t, rr)["error"]; got != "Token expired" {
		t.Errorf("error = %v, want %q", got, "Token expired")
	}
}

func TestRequestLogger_CapturesStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /teapot", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	var pattern string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r)
		pattern = r.Pattern
	})

	rr := httptest.NewRecorder()
	RequestLogger(testutil.DiscardLogger())(inner).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/teapot", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want 418", rr.Code)
	}
	if pattern != "GET /teapot" {
		t.Errorf("pattern = %q, want %q", pattern, "GET /teapot")
	}
}
