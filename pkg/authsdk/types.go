package authsdk

// ErrorResponse represents a standard OAuth2 error response per RFC 6749.
// This is used internally for parsing HTTP error responses.
// Client code should use the OAuth2Error type from errors.go instead.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// ValidationErrorResponse is the shape the platform API uses for request
// validation failures outside of the OAuth2 routes.
type ValidationErrorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// TokenResponse represents the OAuth2 token endpoint response per RFC 6749.
type TokenResponse struct {
	// AccessToken is the JWT access token used to authenticate API requests
	AccessToken string `json:"access_token"`

	// RefreshToken is the opaque refresh token used to obtain new access
	// tokens. Some deployments don't rotate it on refresh and leave it out.
	RefreshToken string `json:"refresh_token,omitempty"`

	// TokenType is always "Bearer" per OAuth2 spec
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the access token. We don't
	// trust it for expiry, the exp claim in the token is authoritative.
	ExpiresIn int `json:"expires_in"`

	Scope string `json:"scope,omitempty"`
}

// UserInfoPath is where the platform serves the profile of the token's
// subject. The call needs a bearer token, so it goes through
// session.Executor rather than SDKClient.
const UserInfoPath = "/v1/userinfo"

// UserInfoResponse is the GET /v1/userinfo body.
type UserInfoResponse struct {
	UserID        string `json:"user_id"`
	Username      string `json:"username"`
	PreferredName string `json:"preferred_name"`
	Role          string `json:"role"`
}
