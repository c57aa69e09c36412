package session_test

import (
	"testing"
	"time"

	"github.com/aussiebroadwan/tabconsole/pkg/session"
	"github.com/stretchr/testify/require"
)

func TestIsExpired(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	cred := session.NewCredential(mintAccess(t, "alice", exp), "r")

	at := func(tm time.Time) session.ExpiryEvaluator {
		return session.ExpiryEvaluator{Now: func() time.Time { return tm }}
	}

	tests := []struct {
		name string
		now  time.Time
		skew time.Duration
		want bool
	}{
		{"plenty of time", exp.Add(-time.Hour), session.DefaultSkew, false},
		{"just outside skew", exp.Add(-31 * time.Second), session.DefaultSkew, false},
		{"inside skew", exp.Add(-29 * time.Second), session.DefaultSkew, true},
		{"on the boundary", exp.Add(-30 * time.Second), session.DefaultSkew, true},
		{"no skew, before exp", exp.Add(-time.Second), 0, false},
		{"no skew, at exp", exp, 0, true},
		{"long gone", exp.Add(time.Hour), session.DefaultSkew, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, at(tt.now).IsExpired(cred, tt.skew))
		})
	}
}

func TestIsExpiredFailsSafe(t *testing.T) {
	var e session.ExpiryEvaluator
	for _, tok := range []string{"", "not.a.jwt", "eyJhbGciOiJIUzI1NiJ9.e30.c2ln"} {
		require.True(t, e.IsExpired(session.NewCredential(tok, "r"), 0), tok)
	}
}
