package authsdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrTransport wraps failures to talk to the server at all (DNS, refused
// connections, timeouts, truncated bodies). Callers treat it as transient.
var ErrTransport = errors.New("authsdk: transport failure")

// ============================================================================
// OAuth2 Error Codes (RFC 6749)
// ============================================================================

const (
	ErrorCodeInvalidRequest     = "invalid_request"
	ErrorCodeInvalidClient      = "invalid_client"
	ErrorCodeInvalidGrant       = "invalid_grant"
	ErrorCodeUnauthorizedClient = "unauthorized_client"
	ErrorCodeServerError        = "server_error"
	ErrorCodeInvalidToken       = "invalid_token"
	ErrorCodeMFARequired        = "mfa_required"
	ErrorCodeAccessDenied       = "access_denied"
	ErrorCodeRateLimited        = "rate_limit_exceeded"
)

// ============================================================================
// OAuth2Error - Standard OAuth2 error type
// ============================================================================

// OAuth2Error represents a standard OAuth2 error response per RFC 6749.
type OAuth2Error struct {
	// StatusCode is the HTTP status code for this error
	StatusCode int `json:"-"`

	// Code is the OAuth2 error code (e.g., "invalid_request", "invalid_grant")
	Code string `json:"error"`

	// Description is a human-readable description of the error
	Description string `json:"error_description"`
}

// Error implements the error interface.
func (e *OAuth2Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Rejected reports whether the server refused the grant or credential
// itself, as opposed to failing to process the request. A rejected refresh
// token is almost certainly dead for good and must not be retried.
func (e *OAuth2Error) Rejected() bool {
	switch e.Code {
	case ErrorCodeInvalidGrant, ErrorCodeInvalidToken, ErrorCodeInvalidClient, ErrorCodeUnauthorizedClient:
		return true
	}

	if e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// ============================================================================
// MFA Error Response
// ============================================================================

// MFARequiredError is returned when MFA is required to complete authentication.
// The server answers 409 Conflict because the password was accepted but the
// account needs a second step.
type MFARequiredError struct {
	// MFAToken is the token to use when submitting the MFA response
	MFAToken string `json:"mfa_token"`

	// Methods lists the available MFA methods (e.g., ["totp", "backup_codes"])
	Methods []string `json:"mfa_methods"`
}

// Error implements the error interface.
func (e *MFARequiredError) Error() string {
	return fmt.Sprintf("MFA required: available methods=%v", e.Methods)
}

// IsRejected is a convenience for errors.As + Rejected.
func IsRejected(err error) bool {
	var oe *OAuth2Error
	return errors.As(err, &oe) && oe.Rejected()
}

// ============================================================================
// Error Parsing Helpers
// ============================================================================

// parseErrorResponse attempts to parse an HTTP error response into a typed error.
// It checks for MFA challenges (409), OAuth2 errors, and validation errors.
// Returns nil if the response indicates success (2xx status code).
func parseErrorResponse(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Check for MFA challenge (409 Conflict)
	if resp.StatusCode == http.StatusConflict {
		var mfaResp struct {
			Error      string   `json:"error"`
			MFAToken   string   `json:"mfa_token"`
			MFAMethods []string `json:"mfa_methods"`
		}
		if err := json.Unmarshal(body, &mfaResp); err == nil {
			if mfaResp.Error == ErrorCodeMFARequired && mfaResp.MFAToken != "" {
				return &MFARequiredError{
					MFAToken: mfaResp.MFAToken,
					Methods:  mfaResp.MFAMethods,
				}
			}
		}
	}

	// Try parsing as standard OAuth2 error
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return &OAuth2Error{
			StatusCode:  resp.StatusCode,
			Code:        errResp.Error,
			Description: errResp.ErrorDescription,
		}
	}

	// Try parsing as validation error
	var valErr ValidationErrorResponse
	if err := json.Unmarshal(body, &valErr); err == nil && valErr.Code != "" {
		return &OAuth2Error{
			StatusCode:  resp.StatusCode,
			Code:        valErr.Code,
			Description: valErr.Message,
		}
	}

	// Fallback: create generic error from status code
	code := ErrorCodeServerError
	if resp.StatusCode == http.StatusUnauthorized {
		code = ErrorCodeInvalidToken
	}
	return &OAuth2Error{
		StatusCode:  resp.StatusCode,
		Code:        code,
		Description: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
	}
}
