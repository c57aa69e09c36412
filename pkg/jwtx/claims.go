package jwtx

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformed    = errors.New("jwtx: malformed token")
	ErrInvalidClaim = errors.New("jwtx: invalid claims")
)

// Role is a single role flag carried in the access token, e.g. "ADMIN".
type Role string

// RoleSet is an unordered set of roles.
type RoleSet map[Role]struct{}

// NewRoleSet builds a set from raw role names, dropping duplicates.
func NewRoleSet(roles ...string) RoleSet {
	set := make(RoleSet, len(roles))
	for _, r := range roles {
		set[Role(r)] = struct{}{}
	}
	return set
}

// Has reports whether the set contains role.
func (s RoleSet) Has(role Role) bool {
	_, ok := s[role]
	return ok
}

// Strings returns the roles sorted, handy for logging and persistence.
func (s RoleSet) Strings() []string {
	out := make([]string, 0, len(s))
	for r := range s {
		out = append(out, string(r))
	}
	slices.Sort(out)
	return out
}

// Claims are the access-token claims the console actually reads. Every field
// is required; Decode either fills all of them or returns an error.
type Claims struct {
	SubjectID string
	Roles     RoleSet
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ExpiredAt reports whether the token should be treated as expired at now,
// given a skew buffer. A token exactly at the boundary counts as expired.
func (c Claims) ExpiredAt(now time.Time, skew time.Duration) bool {
	return !now.Add(skew).Before(c.ExpiresAt)
}

// tokenClaims is the wire shape. We embed RegisteredClaims so the jwt parser
// is happy, then copy the bits we care about into rawClaims for validation.
type tokenClaims struct {
	jwt.RegisteredClaims

	Roles []string `json:"roles"`
}

type rawClaims struct {
	Subject   string           `validate:"required"`
	Roles     []string         `validate:"required,dive,required"`
	IssuedAt  *jwt.NumericDate `validate:"required"`
	ExpiresAt *jwt.NumericDate `validate:"required"`
}

var (
	parser   = jwt.NewParser()
	validate = validator.New()
)

// Decode reads the claims out of an access token without verifying the
// signature. The console is not the audience for signature checks (the API
// is), it only needs to know who it is and when the token runs out.
func Decode(token string) (Claims, error) {
	var tc tokenClaims
	if _, _, err := parser.ParseUnverified(token, &tc); err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	raw := rawClaims{
		Subject:   tc.Subject,
		Roles:     tc.Roles,
		IssuedAt:  tc.IssuedAt,
		ExpiresAt: tc.ExpiresAt,
	}
	if err := validate.Struct(raw); err != nil {
		return Claims{}, fmt.Errorf("%w: %w: %w", ErrMalformed, ErrInvalidClaim, err)
	}

	if !raw.ExpiresAt.After(raw.IssuedAt.Time) {
		return Claims{}, fmt.Errorf("%w: %w: exp is not after iat", ErrMalformed, ErrInvalidClaim)
	}

	return Claims{
		SubjectID: raw.Subject,
		Roles:     NewRoleSet(raw.Roles...),
		IssuedAt:  raw.IssuedAt.UTC(),
		ExpiresAt: raw.ExpiresAt.UTC(),
	}, nil
}
