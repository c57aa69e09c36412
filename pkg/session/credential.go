package session

import (
	"time"

	"github.com/aussiebroadwan/tabconsole/pkg/jwtx"
)

// Credential is an access/refresh token pair plus the claims decoded from the
// access token. The only way to build one is NewCredential, so the claims
// always belong to the token stored next to them.
type Credential struct {
	accessToken  string
	refreshToken string
	claims       jwtx.Claims
	claimsErr    error
}

// NewCredential decodes the access token and bundles it with the refresh
// token. A token that can't be decoded still produces a Credential; its
// Claims method reports the error and the expiry check treats it as expired.
func NewCredential(accessToken, refreshToken string) Credential {
	claims, err := jwtx.Decode(accessToken)
	return Credential{
		accessToken:  accessToken,
		refreshToken: refreshToken,
		claims:       claims,
		claimsErr:    err,
	}
}

func (c Credential) AccessToken() string  { return c.accessToken }
func (c Credential) RefreshToken() string { return c.refreshToken }

// Claims returns the decoded claims, or an error wrapping
// ErrMalformedCredential.
func (c Credential) Claims() (jwtx.Claims, error) {
	if c.claimsErr != nil {
		return jwtx.Claims{}, c.claimsErr
	}
	return c.claims, nil
}

// Identity is the subject the presence layer announces, empty if the token
// can't be decoded.
func (c Credential) Identity() string {
	if c.claimsErr != nil {
		return ""
	}
	return c.claims.SubjectID
}

// Profile is the decoded snapshot we persist next to the tokens so a resumed
// process can show who is logged in before the first refresh.
type Profile struct {
	SubjectID string    `json:"subject"`
	Roles     []string  `json:"roles"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Profile returns the profile snapshot for this credential.
func (c Credential) Profile() (Profile, bool) {
	if c.claimsErr != nil {
		return Profile{}, false
	}
	return Profile{
		SubjectID: c.claims.SubjectID,
		Roles:     c.claims.Roles.Strings(),
		IssuedAt:  c.claims.IssuedAt,
		ExpiresAt: c.claims.ExpiresAt,
	}, true
}
