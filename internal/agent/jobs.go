package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onllm-dev/onpulse/internal/api"
)

// Refresher refreshes the upstream access token ahead of expiry.
type Refresher interface {
	RefreshIfExpiring(ctx context.Context, within time.Duration) (bool, error)
}

// TokenKeeper refreshes the Oura token pair before it expires so that
// dashboard requests rarely pay for a refresh round-trip.
type TokenKeeper struct {
	client Refresher
	within time.Duration
	logger *slog.Logger
}

// NewTokenKeeper creates a TokenKeeper that refreshes when the access
// token expires within the given window.
func NewTokenKeeper(client Refresher, within time.Duration, logger *slog.Logger) *TokenKeeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenKeeper{client: client, within: within, logger: logger}
}

func (k *TokenKeeper) Name() string { return "token-keeper" }

func (k *TokenKeeper) Run(ctx context.Context) error {
	refreshed, err := k.client.RefreshIfExpiring(ctx, k.within)
	if err != nil {
		// Nothing to keep while disconnected.
		if errors.Is(err, api.ErrNoSession) || errors.Is(err, api.ErrNoRefreshToken) {
			return nil
		}
		return fmt.Errorf("refresh oura token: %w", err)
	}
	if refreshed {
		k.logger.Info("oura access token refreshed ahead of expiry")
	}
	return nil
}

// Cleaner removes expired credentials.
type Cleaner interface {
	CleanExpiredAuthTokens() (int64, error)
	CleanExpiredTwoFactorCodes() (int64, error)
	CleanExpiredOAuthStates() (int64, error)
}

// Housekeeper prunes expired session credentials, verification codes and
// OAuth states.
type Housekeeper struct {
	store  Cleaner
	logger *slog.Logger
}

// NewHousekeeper creates a Housekeeper over the given store.
func NewHousekeeper(store Cleaner, logger *slog.Logger) *Housekeeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Housekeeper{store: store, logger: logger}
}

func (h *Housekeeper) Name() string { return "housekeeping" }

func (h *Housekeeper) Run(ctx context.Context) error {
	steps := []struct {
		name  string
		clean func() (int64, error)
	}{
		{"auth_tokens", h.store.CleanExpiredAuthTokens},
		{"twofa_codes", h.store.CleanExpiredTwoFactorCodes},
		{"oauth_states", h.store.CleanExpiredOAuthStates},
	}

	var errs []error
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := step.clean()
		if err != nil {
			errs = append(errs, fmt.Errorf("clean %s: %w", step.name, err))
			continue
		}
		if n > 0 {
			h.logger.Debug("removed expired rows", "table", step.name, "count", n)
		}
	}
	return errors.Join(errs...)
}
