package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AuthToken is an issued credential tracked by its JWT ID.
type AuthToken struct {
	Token     string
	Purpose   string
	ExpiresAt time.Time
}

// TwoFactorCode is a pending login verification code.
type TwoFactorCode struct {
	Email     string
	CodeHash  string
	ExpiresAt time.Time
	Attempts  int
}

// SaveAuthToken persists an issued credential with its expiry.
func (s *Store) SaveAuthToken(token, purpose string, expiresAt time.Time) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO auth_tokens (token, purpose, expires_at) VALUES (?, ?, ?)",
		token, purpose, expiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store.SaveAuthToken: %w", err)
	}
	return nil
}

// GetAuthToken returns a tracked credential, or nil if unknown.
func (s *Store) GetAuthToken(token string) (*AuthToken, error) {
	var purpose string
	var expiresAt int64
	err := s.db.QueryRow("SELECT purpose, expires_at FROM auth_tokens WHERE token = ?", token).Scan(&purpose, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.GetAuthToken: %w", err)
	}
	return &AuthToken{Token: token, Purpose: purpose, ExpiresAt: time.UnixMilli(expiresAt).UTC()}, nil
}

// ConsumeAuthToken deletes a credential and reports whether it existed.
// Only one caller can consume a given token.
func (s *Store) ConsumeAuthToken(token string) (bool, error) {
	result, err := s.db.Exec("DELETE FROM auth_tokens WHERE token = ?", token)
	if err != nil {
		return false, fmt.Errorf("store.ConsumeAuthToken: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store.ConsumeAuthToken: %w", err)
	}
	return n == 1, nil
}

// DeleteAuthToken removes a credential.
func (s *Store) DeleteAuthToken(token string) error {
	_, err := s.db.Exec("DELETE FROM auth_tokens WHERE token = ?", token)
	if err != nil {
		return fmt.Errorf("store.DeleteAuthToken: %w", err)
	}
	return nil
}

// DeleteAllAuthTokens revokes every issued credential.
func (s *Store) DeleteAllAuthTokens() error {
	if _, err := s.db.Exec("DELETE FROM auth_tokens"); err != nil {
		return fmt.Errorf("store.DeleteAllAuthTokens: %w", err)
	}
	return nil
}

// CleanExpiredAuthTokens removes expired credentials and returns how many.
func (s *Store) CleanExpiredAuthTokens() (int64, error) {
	result, err := s.db.Exec("DELETE FROM auth_tokens WHERE expires_at < ?", time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store.CleanExpiredAuthTokens: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// GetUser returns the password hash for a username. Returns "" if not found.
func (s *Store) GetUser(username string) (string, error) {
	var hash string
	err := s.db.QueryRow("SELECT password_hash FROM users WHERE username = ?", username).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store.GetUser: %w", err)
	}
	return hash, nil
}

// UpsertUser inserts or updates a user's password hash.
func (s *Store) UpsertUser(username, passwordHash string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO users (username, password_hash, updated_at) VALUES (?, ?, ?)",
		username, passwordHash, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store.UpsertUser: %w", err)
	}
	return nil
}

// SaveTwoFactorCode replaces the pending code for email.
func (s *Store) SaveTwoFactorCode(email, codeHash string, expiresAt time.Time) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO twofa_codes (email, code_hash, expires_at, attempts) VALUES (?, ?, ?, 0)",
		email, codeHash, expiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store.SaveTwoFactorCode: %w", err)
	}
	return nil
}

// GetTwoFactorCode returns the pending code for email, or nil.
func (s *Store) GetTwoFactorCode(email string) (*TwoFactorCode, error) {
	code := &TwoFactorCode{Email: email}
	var expiresAt int64
	err := s.db.QueryRow(
		"SELECT code_hash, expires_at, attempts FROM twofa_codes WHERE email = ?", email,
	).Scan(&code.CodeHash, &expiresAt, &code.Attempts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.GetTwoFactorCode: %w", err)
	}
	code.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return code, nil
}

// ClaimTwoFactorAttempt counts one verification attempt against the pending
// code for email. It reports false once limit attempts have been used.
func (s *Store) ClaimTwoFactorAttempt(email string, limit int) (bool, error) {
	result, err := s.db.Exec(
		"UPDATE twofa_codes SET attempts = attempts + 1 WHERE email = ? AND attempts < ?",
		email, limit,
	)
	if err != nil {
		return false, fmt.Errorf("store.ClaimTwoFactorAttempt: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store.ClaimTwoFactorAttempt: %w", err)
	}
	return n == 1, nil
}

// DeleteTwoFactorCode removes the pending code for email.
func (s *Store) DeleteTwoFactorCode(email string) error {
	if _, err := s.db.Exec("DELETE FROM twofa_codes WHERE email = ?", email); err != nil {
		return fmt.Errorf("store.DeleteTwoFactorCode: %w", err)
	}
	return nil
}

// CleanExpiredTwoFactorCodes removes expired codes and returns how many.
func (s *Store) CleanExpiredTwoFactorCodes() (int64, error) {
	result, err := s.db.Exec("DELETE FROM twofa_codes WHERE expires_at < ?", time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store.CleanExpiredTwoFactorCodes: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// SaveOAuthState records an authorization state issued to subject.
func (s *Store) SaveOAuthState(state, subject string, expiresAt time.Time) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO oauth_states (state, subject, expires_at) VALUES (?, ?, ?)",
		state, subject, expiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store.SaveOAuthState: %w", err)
	}
	return nil
}

// ConsumeOAuthState deletes a state and returns its subject and expiry.
// found is false when the state was never issued or already consumed.
func (s *Store) ConsumeOAuthState(state string) (subject string, expiresAt time.Time, found bool, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("store.ConsumeOAuthState: %w", err)
	}
	defer tx.Rollback()

	var expMs int64
	err = tx.QueryRow("SELECT subject, expires_at FROM oauth_states WHERE state = ?", state).Scan(&subject, &expMs)
	if err == sql.ErrNoRows {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("store.ConsumeOAuthState: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM oauth_states WHERE state = ?", state); err != nil {
		return "", time.Time{}, false, fmt.Errorf("store.ConsumeOAuthState: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", time.Time{}, false, fmt.Errorf("store.ConsumeOAuthState: %w", err)
	}
	return subject, time.UnixMilli(expMs).UTC(), true, nil
}

// CleanExpiredOAuthStates removes expired states and returns how many.
func (s *Store) CleanExpiredOAuthStates() (int64, error) {
	result, err := s.db.Exec("DELETE FROM oauth_states WHERE expires_at < ?", time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store.CleanExpiredOAuthStates: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
