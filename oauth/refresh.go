// Package oauth keeps a stored provider token fresh. A Refresher wakes up on
// a jittered interval and refreshes the token when its expiry falls within a
// configured window, so polling never starts a tick with a dead token.
package oauth

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// TokenStore persists provider tokens.
type TokenStore interface {
	GetOAuthToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, raw string, err error)
	UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, raw string) error
}

// RefreshFunc exchanges a refresh token for a new token.
type RefreshFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

const (
	defaultInterval = 5 * time.Minute
	defaultWindow   = 15 * time.Minute
	refreshTimeout  = 15 * time.Second
)

// Refresher periodically checks one provider's token.
type Refresher struct {
	store    TokenStore
	provider string
	interval time.Duration // how often to wake up
	window   time.Duration // refresh when remaining lifetime <= window
	refresh  RefreshFunc

	now    func() time.Time
	jitter func(max time.Duration) time.Duration
}

// NewRefresher returns a Refresher for provider. Non-positive interval and
// window fall back to 5m and 15m.
func NewRefresher(store TokenStore, provider string, interval, window time.Duration, fn RefreshFunc) *Refresher {
	if interval <= 0 {
		interval = defaultInterval
	}
	if window <= 0 {
		window = defaultWindow
	}
	return &Refresher{
		store:    store,
		provider: provider,
		interval: interval,
		window:   window,
		refresh:  fn,
		now:      time.Now,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

// Run checks the token until ctx is done. It always returns nil so it can
// sit in an errgroup next to the HTTP server.
func (r *Refresher) Run(ctx context.Context) error {
	log := slog.Default().With(slog.String("component", "oauth_refresher"), slog.String("provider", r.provider))

	// spread instances that boot together
	if !sleep(ctx, r.jitter(r.interval/2)) {
		return nil
	}
	for {
		// ±20% per iteration
		spread := r.interval / 5
		next := r.interval + r.jitter(2*spread) - spread
		if next < r.interval/2 {
			next = r.interval / 2
		}
		if !sleep(ctx, next) {
			return nil
		}
		refreshed, err := r.checkOnce(ctx)
		switch {
		case err != nil:
			log.Warn("token refresh failed", slog.Any("err", err))
		case refreshed:
			log.Info("token refreshed")
		}
	}
}

// checkOnce refreshes the token when it is inside the window. It reports
// whether a new token was stored.
func (r *Refresher) checkOnce(ctx context.Context) (bool, error) {
	access, refresh, expiry, _, err := r.store.GetOAuthToken(ctx, r.provider)
	if err != nil {
		return false, errors.Wrap(err, "load token")
	}
	if access == "" || refresh == "" {
		return false, nil
	}
	if expiry.Sub(r.now()) > r.window {
		return false, nil
	}

	// small pre-refresh jitter so replicas seeing the same expiry do not stampede
	if !sleep(ctx, r.jitter(5*time.Second)) {
		return false, ctx.Err()
	}
	callCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	tok, err := r.refresh(callCtx, refresh)
	cancel()
	if err != nil {
		return false, errors.Wrap(err, "refresh token")
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refresh
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return false, errors.Wrap(err, "encode token")
	}
	if err := r.store.UpsertOAuthToken(ctx, r.provider, tok.AccessToken, tok.RefreshToken, tok.Expiry, string(raw)); err != nil {
		return false, errors.Wrap(err, "persist token")
	}
	return true, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
