package testutil

import (
	"log/slog"
	"testing"
	"time"

	"github.com/onllm-dev/onpulse/internal/config"
	"github.com/onllm-dev/onpulse/internal/store"
)

// DiscardLogger returns a logger that discards all output.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// InMemoryStore creates an in-memory SQLite store for testing.
// The store is automatically closed when the test completes.
func InMemoryStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:", "test-store-secret")
	if err != nil {
		t.Fatalf("InMemoryStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestConfig creates a Config pointing every Oura URL at baseURL.
func TestConfig(baseURL string) *config.Config {
	return &config.Config{
		OuraClientID:     "test-client-id",
		OuraClientSecret: "test-client-secret",
		OuraRedirectURI:  "http://localhost:3001/api/oauth/callback",
		OuraAPIBaseURL:   baseURL,
		OuraAuthorizeURL: baseURL + PathAuthorize,
		OuraTokenURL:     baseURL + PathToken,
		JWTSecret:        "test-jwt-secret",
		JWTExpiresIn:     time.Hour,
		AllowedEmail:     "me@example.com",
		AdminPass:        "test-password",
		ClientURL:        "http://localhost:3000",
		Port:             3001,
		Host:             "127.0.0.1",
		CORSOrigins:      []string{"http://localhost:3000"},
		DBPath:           ":memory:",
		LogLevel:         "debug",
		UpstreamTimeout:  5 * time.Second,
		CacheTTL:         time.Minute,
		DebugMode:        true,
	}
}
