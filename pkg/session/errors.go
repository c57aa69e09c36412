package session

import (
	"errors"

	"github.com/aussiebroadwan/tabconsole/pkg/jwtx"
)

var (
	// ErrAuthFailure is terminal: the session is gone and the user has to log
	// in again. Everything that should force a logout wraps it.
	ErrAuthFailure = errors.New("session: authentication failure")

	// ErrTransientNetwork means the refresh endpoint couldn't be reached or
	// fell over. The session is kept and a later call may succeed.
	ErrTransientNetwork = errors.New("session: transient network failure")

	// ErrMalformedCredential is what Credential.Claims returns for a token
	// we can't read. It is the same sentinel jwtx uses.
	ErrMalformedCredential = jwtx.ErrMalformed

	ErrNoSession          = errors.New("session: no session")
	ErrNoRefreshToken     = errors.New("session: no refresh token")
	ErrCredentialRejected = errors.New("session: credential rejected by server")

	// ErrRefreshRejected must be wrapped by Refresher implementations when the
	// server refused the refresh token itself. Anything else counts as
	// transient.
	ErrRefreshRejected = errors.New("session: refresh token rejected")

	errSessionChanged = errors.New("session: changed during refresh")
)
