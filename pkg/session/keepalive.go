package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aussiebroadwan/tabconsole/pkg/slogx"
)

// KeepAlive periodically calls EnsureFresh so an idle console doesn't come
// back to an access token (and possibly a refresh token) that ran out while
// nobody was making requests. It is optional; the Executor refreshes on
// demand either way.
type KeepAlive struct {
	Coordinator *Coordinator
	Logger      *slog.Logger
	Interval    time.Duration

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewKeepAlive creates a keep-alive worker. If interval is 0 or negative it
// defaults to one minute, comfortably inside the default skew window of any
// sane token lifetime.
func NewKeepAlive(c *Coordinator, logger *slog.Logger, interval time.Duration) *KeepAlive {
	if interval <= 0 {
		interval = time.Minute
	}

	return &KeepAlive{
		Coordinator: c,
		Logger:      slogx.OrDefault(logger).With("component", "keepalive"),
		Interval:    interval,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start runs the worker in the background. Call Stop to shut it down.
func (k *KeepAlive) Start() {
	if !k.started.CompareAndSwap(false, true) {
		return
	}
	go k.run()
	k.Logger.Info("session keep-alive started", "interval", k.Interval)
}

// Stop shuts the worker down and waits for it. Safe to call more than once,
// or without Start.
func (k *KeepAlive) Stop() {
	k.stopOnce.Do(func() { close(k.stopCh) })
	if !k.started.Load() {
		return
	}
	<-k.doneCh
	k.Logger.Info("session keep-alive stopped")
}

func (k *KeepAlive) run() {
	defer close(k.doneCh)

	ticker := time.NewTicker(k.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			k.check()
		case <-k.stopCh:
			return
		}
	}
}

func (k *KeepAlive) check() {
	if _, ok := k.Coordinator.Store().Get(); !ok {
		return // logged out, nothing to keep alive
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stop shouldn't have to wait out a slow refresh; the refresh itself
	// carries on detached and lands in the store regardless.
	go func() {
		select {
		case <-k.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	_, err := k.Coordinator.EnsureFresh(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, ErrAuthFailure):
		// OnForcedLogout has already been told
		k.Logger.Debug("keep-alive found the session gone", "error", err)
	default:
		k.Logger.Warn("keep-alive refresh failed", "error", err)
	}
}
