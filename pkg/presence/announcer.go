package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/tabconsole/pkg/idx"
	"github.com/aussiebroadwan/tabconsole/pkg/slogx"
)

const (
	StatusLoginDestination = "/app/status.login"
	LoginDestination       = "/app/login"

	DefaultAnnounceTimeout = 30 * time.Second

	// ActivityHeader carries a per-announcement id so the two frames of one
	// login can be matched up in broker logs.
	ActivityHeader = "activity-id"
)

var ErrEmptyIdentity = errors.New("presence: empty identity")

// loginActivity is the /app/login payload.
type loginActivity struct {
	ActivityType string `json:"activityType"`
	AccountID    string `json:"accountId"`
	Timestamp    string `json:"timestamp"`
}

// Announcer tells the server we are online.
type Announcer struct {
	Conn    *Connection
	Timeout time.Duration
	Now     func() time.Time
	Logger  *slog.Logger
}

func NewAnnouncer(conn *Connection, logger *slog.Logger) *Announcer {
	return &Announcer{
		Conn:    conn,
		Timeout: DefaultAnnounceTimeout,
		Now:     time.Now,
		Logger:  slogx.OrDefault(logger).With("component", "announcer"),
	}
}

// Announce waits for the connection to be up, then publishes identity to
// /app/status.login and a LOGIN activity to /app/login. If the connection
// drops in between it waits again, until ctx or Timeout runs out.
func (a *Announcer) Announce(ctx context.Context, identity string) error {
	if identity == "" {
		return ErrEmptyIdentity
	}

	timeout := a.Timeout
	if timeout <= 0 {
		timeout = DefaultAnnounceTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	activity, err := json.Marshal(loginActivity{
		ActivityType: "LOGIN",
		AccountID:    identity,
		Timestamp:    a.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	activityID := idx.New().String()
	logger := slogx.OrDefault(a.Logger)

	// Each step retries on its own so a drop after the first frame doesn't
	// announce the status twice.
	steps := []struct {
		destination string
		contentType string
		body        []byte
	}{
		{StatusLoginDestination, "text/plain", []byte(identity)},
		{LoginDestination, "application/json", activity},
	}

	for _, step := range steps {
		for {
			if err := a.Conn.AwaitState(ctx, Connected); err != nil {
				return fmt.Errorf("announce %s: waiting for connection: %w", identity, err)
			}

			err := a.Conn.Publish(step.destination, step.contentType, step.body, WithHeader(ActivityHeader, activityID))
			if err == nil {
				break
			}
			if !errors.Is(err, ErrNotConnected) {
				return fmt.Errorf("announce %s: %w", identity, err)
			}
			logger.Debug("connection dropped mid-announce, waiting again", "destination", step.destination)

			// Don't spin while the connection is still marked Connected but
			// the transport is already gone
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return fmt.Errorf("announce %s: %w", identity, ctx.Err())
			}
		}
	}

	logger.Info("announced login", "identity", identity, "activity_id", activityID)
	return nil
}

func (a *Announcer) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}
