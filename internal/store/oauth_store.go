package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/onllm-dev/onpulse/internal/api"
)

// SettingOuraConnectedAt records when the current Oura account was connected.
const SettingOuraConnectedAt = "oura_connected_at"

// SaveOuraTokens persists the token pair, encrypted.
func (s *Store) SaveOuraTokens(pair api.TokenPair) error {
	access, err := encrypt(s.key, pair.AccessToken, "oura_access_token")
	if err != nil {
		return fmt.Errorf("store.SaveOuraTokens: %w", err)
	}
	refresh, err := encrypt(s.key, pair.RefreshToken, "oura_refresh_token")
	if err != nil {
		return fmt.Errorf("store.SaveOuraTokens: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO oauth_tokens (id, access_token, refresh_token, expires_at, updated_at)
		VALUES (1, ?, ?, ?, ?)`,
		access, refresh, pair.ExpiresAt, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store.SaveOuraTokens: %w", err)
	}
	return nil
}

// LoadOuraTokens returns the persisted token pair, if any.
func (s *Store) LoadOuraTokens() (api.TokenPair, bool, error) {
	var access, refresh string
	var expiresAt int64
	err := s.db.QueryRow(
		"SELECT access_token, refresh_token, expires_at FROM oauth_tokens WHERE id = 1",
	).Scan(&access, &refresh, &expiresAt)
	if err == sql.ErrNoRows {
		return api.TokenPair{}, false, nil
	}
	if err != nil {
		return api.TokenPair{}, false, fmt.Errorf("store.LoadOuraTokens: %w", err)
	}

	pair := api.TokenPair{ExpiresAt: expiresAt}
	if pair.AccessToken, err = decrypt(s.key, access, "oura_access_token"); err != nil {
		return api.TokenPair{}, false, fmt.Errorf("store.LoadOuraTokens: %w", err)
	}
	if pair.RefreshToken, err = decrypt(s.key, refresh, "oura_refresh_token"); err != nil {
		return api.TokenPair{}, false, fmt.Errorf("store.LoadOuraTokens: %w", err)
	}
	return pair, true, nil
}

// DeleteOuraTokens removes the persisted token pair.
func (s *Store) DeleteOuraTokens() error {
	if _, err := s.db.Exec("DELETE FROM oauth_tokens WHERE id = 1"); err != nil {
		return fmt.Errorf("store.DeleteOuraTokens: %w", err)
	}
	return nil
}

// TokenStore is an api.TokenStore that keeps the pair in memory and writes
// every change through to SQLite. Persistence failures are logged; the
// in-memory pair stays authoritative for the running process.
type TokenStore struct {
	mem    *api.MemoryTokenStore
	store  *Store
	logger *slog.Logger
}

// NewTokenStore creates a TokenStore seeded from the persisted pair.
func NewTokenStore(s *Store, logger *slog.Logger) (*TokenStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ts := &TokenStore{mem: api.NewMemoryTokenStore(), store: s, logger: logger}

	pair, ok, err := s.LoadOuraTokens()
	if err != nil {
		return nil, err
	}
	if ok {
		ts.mem.Set(pair)
		logger.Info("restored oura token pair",
			"expires_at", time.UnixMilli(pair.ExpiresAt).UTC().Format(time.RFC3339),
		)
	}
	return ts, nil
}

// Get returns the current pair.
func (t *TokenStore) Get() (api.TokenPair, bool) {
	return t.mem.Get()
}

// Set replaces the pair and records the connection time.
func (t *TokenStore) Set(pair api.TokenPair) {
	t.mem.Set(pair)
	t.persist(pair)
	if err := t.store.SetSetting(SettingOuraConnectedAt, time.Now().UTC().Format(time.RFC3339)); err != nil {
		t.logger.Error("failed to record oura connection time", "error", err)
	}
}

// CompareAndSwap replaces the pair if the current value equals old.
func (t *TokenStore) CompareAndSwap(old, new api.TokenPair) bool {
	if !t.mem.CompareAndSwap(old, new) {
		return false
	}
	t.persist(new)
	return true
}

// Clear drops the pair.
func (t *TokenStore) Clear() {
	t.mem.Clear()
	if err := t.store.DeleteOuraTokens(); err != nil {
		t.logger.Error("failed to delete persisted oura tokens", "error", err)
	}
	if err := t.store.DeleteSetting(SettingOuraConnectedAt); err != nil {
		t.logger.Error("failed to clear oura connection time", "error", err)
	}
}

// ConnectedSince returns when the current account was connected, if known.
func (t *TokenStore) ConnectedSince() (time.Time, bool) {
	v, err := t.store.GetSetting(SettingOuraConnectedAt)
	if err != nil || v == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func (t *TokenStore) persist(pair api.TokenPair) {
	if err := t.store.SaveOuraTokens(pair); err != nil {
		t.logger.Error("failed to persist oura tokens", "error", err)
	}
}
