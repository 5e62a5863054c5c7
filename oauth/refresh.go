// Package oauth schedules refreshes for provider tokens persisted in the
// oauth_tokens table. Checks are jittered so multiple instances sharing a
// database do not refresh in lockstep.
package oauth

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/stream-herald/db"
)

// RefreshFunc performs the provider-specific refresh and returns the new
// access token, refresh token, expiry, and scope.
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// StartRefresher launches a goroutine that wakes every interval and refreshes
// the provider's token when its remaining lifetime falls inside window.
func StartRefresher(ctx context.Context, dbx *sql.DB, provider string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Per-iteration jitter (plus or minus 20% of interval).
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}

			_, rt, exp, scope, err := db.GetOAuthToken(ctx, dbx, provider)
			if err != nil || rt == "" {
				continue
			}
			if time.Until(exp) > window {
				continue
			}
			// Small pre-refresh pause so pods seeing the same expiry do not
			// stampede the provider.
			//nolint:gosec // G404: math/rand is sufficient for jitter, not used for security
			pre := time.Duration(rand.Int63n(int64(5 * time.Second)))
			select {
			case <-ctx.Done():
				return
			case <-time.After(pre):
			}

			ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
			newAT, newRT, newExp, newScope, err := fn(ctx2, rt)
			cancel()
			if err != nil {
				slog.Warn("token refresh failed", slog.String("provider", provider), slog.Any("err", err))
				continue
			}
			if newRT == "" {
				newRT = rt
			}
			if newScope == "" {
				newScope = scope
			}
			if err := db.UpsertOAuthToken(ctx, dbx, provider, newAT, newRT, newExp, newScope); err != nil {
				slog.Warn("token persist failed", slog.String("provider", provider), slog.Any("err", err))
				continue
			}
			slog.Info("token refreshed", slog.String("provider", provider))
		}
	}()
}
