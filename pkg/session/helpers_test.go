package session_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/tabconsole/pkg/session"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var jti atomic.Int64

// mintAccess signs an access token for sub expiring at exp. Every token is
// unique even when minted in the same second.
func mintAccess(t testing.TB, sub string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   sub,
		"roles": []string{"STUDENT"},
		"iat":   exp.Add(-15 * time.Minute).Unix(),
		"exp":   exp.Unix(),
		"jti":   fmt.Sprint(jti.Add(1)),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return tok
}

func freshCredential(t testing.TB, sub string) session.Credential {
	return session.NewCredential(mintAccess(t, sub, time.Now().Add(10*time.Minute)), "refresh-"+sub)
}

func expiredCredential(t testing.TB, sub string) session.Credential {
	return session.NewCredential(mintAccess(t, sub, time.Now().Add(-time.Minute)), "refresh-"+sub)
}

// fakeRefresher counts calls and, unless told otherwise, hands back a fresh
// token for the same subject. If gate is set every call blocks on it.
type fakeRefresher struct {
	t testing.TB

	mu      sync.Mutex
	calls   int
	err     error
	rotate  bool
	access  string // overrides the minted token when set
	gate    chan struct{}
	entered chan struct{}
	revoked []string
}

func newFakeRefresher(t testing.TB) *fakeRefresher {
	return &fakeRefresher{t: t, entered: make(chan struct{}, 64)}
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (session.TokenPair, error) {
	f.mu.Lock()
	f.calls++
	gate, err, rotate, access := f.gate, f.err, f.rotate, f.access
	f.mu.Unlock()

	f.entered <- struct{}{}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return session.TokenPair{}, ctx.Err()
		}
	}
	if err != nil {
		return session.TokenPair{}, err
	}

	if access == "" {
		access = mintAccess(f.t, "alice", time.Now().Add(15*time.Minute))
	}
	pair := session.TokenPair{AccessToken: access}
	if rotate {
		pair.RefreshToken = refreshToken + "-next"
	}
	return pair, nil
}

func (f *fakeRefresher) Revoke(_ context.Context, refreshToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, refreshToken)
	return nil
}

func (f *fakeRefresher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRefresher) set(fn func(f *fakeRefresher)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// forcedLogouts records OnForcedLogout calls.
type forcedLogouts struct {
	mu   sync.Mutex
	errs []error
}

func (l *forcedLogouts) hook(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *forcedLogouts) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errs)
}

// setup returns a coordinator over a store already holding cred.
func setup(t *testing.T, cred session.Credential, opts session.CoordinatorOptions) (*session.Coordinator, *fakeRefresher, *forcedLogouts) {
	t.Helper()

	store := session.NewStore(nil, nil)
	require.NoError(t, store.Set(context.Background(), cred))

	ref := newFakeRefresher(t)
	logouts := &forcedLogouts{}
	opts.OnForcedLogout = logouts.hook

	return session.NewCoordinator(store, ref, opts), ref, logouts
}
