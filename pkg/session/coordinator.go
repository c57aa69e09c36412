package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aussiebroadwan/tabconsole/pkg/slogx"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultRefreshTimeout  = 15 * time.Second
	DefaultTransientBudget = 3

	// One key per Coordinator, and a Coordinator owns exactly one Store.
	refreshKey = "refresh"
)

// CoordinatorOptions configures a Coordinator. Zero values pick defaults.
type CoordinatorOptions struct {
	// Skew is passed to the ExpiryEvaluator (default DefaultSkew).
	Skew time.Duration

	// RefreshTimeout bounds a single refresh call. The call is detached from
	// whichever caller happened to start it, so this is what guarantees the
	// operation resolves.
	RefreshTimeout time.Duration

	// TransientBudget is how many refreshes in a row may fail for network
	// reasons before the session is given up on. Negative means never.
	TransientBudget int

	// OnForcedLogout runs once per refresh operation that ended the session.
	// It is called from the refreshing goroutine; don't block in it.
	OnForcedLogout func(err error)

	Expiry  ExpiryEvaluator
	Logger  *slog.Logger
	Metrics *Metrics
}

// Coordinator keeps a Store's credential fresh. However many goroutines
// find the token expired at once, only one refresh call goes out and every
// one of them gets its result.
type Coordinator struct {
	store     *Store
	refresher Refresher
	opts      CoordinatorOptions
	logger    *slog.Logger

	group     singleflight.Group
	transient atomic.Int32 // consecutive transient failures
}

func NewCoordinator(store *Store, refresher Refresher, opts CoordinatorOptions) *Coordinator {
	if opts.Skew <= 0 {
		opts.Skew = DefaultSkew
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = DefaultRefreshTimeout
	}
	if opts.TransientBudget == 0 {
		opts.TransientBudget = DefaultTransientBudget
	}

	return &Coordinator{
		store:     store,
		refresher: refresher,
		opts:      opts,
		logger:    slogx.OrDefault(opts.Logger).With("component", "session"),
	}
}

// Store returns the store this coordinator manages.
func (c *Coordinator) Store() *Store { return c.store }

// EnsureFresh returns a credential that isn't about to expire, refreshing it
// first if needed. The common case (token still good) is a single read.
//
// If the caller's ctx ends while waiting, EnsureFresh returns ctx.Err() but
// the refresh itself carries on for everyone else.
func (c *Coordinator) EnsureFresh(ctx context.Context) (Credential, error) {
	if cred, ok := c.store.Get(); ok && !c.opts.Expiry.IsExpired(cred, c.opts.Skew) {
		return cred, nil
	}
	return c.join(ctx, "")
}

// Renew is the reactive path: the server just refused rejected, so refresh
// regardless of what our clock thinks, unless the store has already moved on
// to a different token.
func (c *Coordinator) Renew(ctx context.Context, rejected Credential) (Credential, error) {
	return c.join(ctx, rejected.AccessToken())
}

// Logout revokes the refresh token (best effort, if the refresher can) and
// clears the store. It does not fire OnForcedLogout; the caller asked for it.
func (c *Coordinator) Logout(ctx context.Context) error {
	cred, ok := c.store.Get()
	if ok && cred.RefreshToken() != "" {
		if rv, canRevoke := c.refresher.(Revoker); canRevoke {
			if err := rv.Revoke(ctx, cred.RefreshToken()); err != nil {
				c.logger.Warn("failed to revoke refresh token", "error", err)
			}
		}
	}
	return c.store.Clear(ctx)
}

func (c *Coordinator) join(ctx context.Context, rejected string) (Credential, error) {
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		return c.refresh(ctx, rejected)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.opts.Metrics.joined()
		}
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	}
}

// refresh is the body of the single outstanding operation. Only one runs at
// a time per Coordinator.
func (c *Coordinator) refresh(callerCtx context.Context, rejected string) (Credential, error) {
	cur, ok, gen := c.store.current()
	if !ok {
		return Credential{}, fmt.Errorf("%w: %w", ErrAuthFailure, ErrNoSession)
	}

	// Double-check: a previous operation may have finished between the
	// caller's read and us getting the slot.
	if rejected == "" && !c.opts.Expiry.IsExpired(cur, c.opts.Skew) {
		c.opts.Metrics.refresh(outcomeSkipped)
		return cur, nil
	}
	if rejected != "" && cur.AccessToken() != rejected {
		c.opts.Metrics.refresh(outcomeSkipped)
		return cur, nil
	}

	// Keep the caller's values (logger etc) but not its cancellation, other
	// goroutines are waiting on this result too.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(callerCtx), c.opts.RefreshTimeout)
	defer cancel()

	if cur.RefreshToken() == "" {
		return c.terminate(ctx, gen, ErrNoRefreshToken)
	}

	c.logger.Debug("refreshing credential", "subject", cur.Identity(), "reactive", rejected != "")

	pair, err := c.refresher.Refresh(ctx, cur.RefreshToken())
	if err != nil {
		if errors.Is(err, ErrRefreshRejected) {
			c.opts.Metrics.refresh(outcomeRejected)
			return c.terminate(ctx, gen, err)
		}

		c.opts.Metrics.refresh(outcomeTransient)
		n := int(c.transient.Add(1))
		if c.opts.TransientBudget > 0 && n >= c.opts.TransientBudget {
			return c.terminate(ctx, gen, fmt.Errorf("giving up after %d failed refreshes: %w", n, err))
		}

		c.logger.Warn("refresh failed, keeping session", "error", err, "consecutive_failures", n)
		return Credential{}, fmt.Errorf("%w: %w", ErrTransientNetwork, err)
	}

	refreshToken := pair.RefreshToken
	if refreshToken == "" {
		refreshToken = cur.RefreshToken()
	}

	next := NewCredential(pair.AccessToken, refreshToken)
	if _, err := next.Claims(); err != nil {
		// Refreshing again would just get us another one of these
		c.opts.Metrics.refresh(outcomeRejected)
		return c.terminate(ctx, gen, fmt.Errorf("refreshed token unreadable: %w", err))
	}

	c.transient.Store(0)

	if err := c.store.replaceIf(ctx, gen, next); err != nil {
		if !errors.Is(err, errSessionChanged) {
			// Memory is updated, only the mirror failed
			c.logger.Error("failed to persist refreshed session", "error", err)
		} else {
			// Logged out or logged in again while we were on the wire.
			// Whatever is in the store now wins.
			latest, ok := c.store.Get()
			if !ok {
				return Credential{}, fmt.Errorf("%w: %w", ErrAuthFailure, ErrNoSession)
			}
			c.opts.Metrics.refresh(outcomeSkipped)
			return latest, nil
		}
	}

	c.opts.Metrics.refresh(outcomeSuccess)
	c.logger.Info("credential refreshed", "subject", next.Identity())
	return next, nil
}

// terminate ends the session. Runs at most once per operation because it is
// only ever called from inside refresh. If the store was written while we
// were refreshing (fresh login) that newer session is left alone.
func (c *Coordinator) terminate(ctx context.Context, gen uint64, cause error) (Credential, error) {
	c.transient.Store(0)

	if err := c.store.clearIf(ctx, gen); errors.Is(err, errSessionChanged) {
		if latest, ok := c.store.Get(); ok {
			return latest, nil
		}
		return Credential{}, fmt.Errorf("%w: %w", ErrAuthFailure, ErrNoSession)
	} else if err != nil {
		c.logger.Error("failed to clear persisted session", "error", err)
	}

	err := fmt.Errorf("%w: %w", ErrAuthFailure, cause)
	c.opts.Metrics.forcedLogout()
	c.logger.Warn("session ended, login required", "error", cause)

	if c.opts.OnForcedLogout != nil {
		c.opts.OnForcedLogout(err)
	}
	return Credential{}, err
}
