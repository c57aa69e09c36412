package session

import (
	"context"
	"fmt"

	"github.com/aussiebroadwan/tabconsole/pkg/authsdk"
)

// TokenPair is what a successful refresh hands back. RefreshToken may be
// empty when the server doesn't rotate it.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Refresher calls the refresh endpoint. Implementations wrap
// ErrRefreshRejected when the server refused the token; any other error is
// treated as transient.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)
}

// Revoker is optionally implemented by a Refresher so Logout can invalidate
// the refresh token server-side.
type Revoker interface {
	Revoke(ctx context.Context, refreshToken string) error
}

// SDKRefresher adapts authsdk.SDKClient to Refresher and Revoker.
type SDKRefresher struct {
	Client *authsdk.SDKClient
}

func (r SDKRefresher) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	resp, err := r.Client.RefreshGrant(ctx, refreshToken)
	if err != nil {
		if authsdk.IsRejected(err) {
			return TokenPair{}, fmt.Errorf("%w: %w", ErrRefreshRejected, err)
		}
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken}, nil
}

func (r SDKRefresher) Revoke(ctx context.Context, refreshToken string) error {
	return r.Client.RevokeToken(ctx, refreshToken)
}
