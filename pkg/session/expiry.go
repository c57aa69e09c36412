package session

import "time"

// DefaultSkew is how early we consider a token expired, so a request that
// leaves with a token doesn't arrive with a dead one.
const DefaultSkew = 30 * time.Second

// ExpiryEvaluator decides whether a credential needs refreshing.
type ExpiryEvaluator struct {
	// Now defaults to time.Now, tests pin it.
	Now func() time.Time
}

// IsExpired reports now + skew >= exp. A credential whose access token can't
// be decoded is always expired: better to burn a refresh than to send a
// token we can't reason about.
func (e ExpiryEvaluator) IsExpired(c Credential, skew time.Duration) bool {
	claims, err := c.Claims()
	if err != nil {
		return true
	}
	return claims.ExpiredAt(e.now(), skew)
}

func (e ExpiryEvaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
