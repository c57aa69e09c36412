package app

import (
	"errors"
	"time"

	"github.com/aussiebroadwan/tabconsole/pkg/session"
	"github.com/getsentry/sentry-go"
)

func initSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          "tabconsole@" + BuildVersion,
		AttachStacktrace: true,
	})
}

func flushSentry() {
	sentry.Flush(2 * time.Second)
}

// reportForcedLogout sends a terminal session failure to Sentry tagged with
// who it happened to. A no-op without a DSN.
func reportForcedLogout(err error, identity string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", "session")
		scope.SetUser(sentry.User{ID: identity})
		// A revoked or expired refresh token is routine, anything else
		// (unreachable auth service, garbage tokens) is worth a look
		if errors.Is(err, session.ErrRefreshRejected) {
			scope.SetLevel(sentry.LevelWarning)
		}
		sentry.CaptureException(err)
	})
}
