package authsdk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// PasswordGrant exchanges a username and password for tokens. When the
// account has MFA enabled the returned error is a *MFARequiredError.
func (c *SDKClient) PasswordGrant(ctx context.Context, username, password string) (*TokenResponse, error) {
	data := url.Values{
		"grant_type": {"password"},
		"username":   {username},
		"password":   {password},
		"client_id":  {c.ClientID},
	}

	return c.requestToken(ctx, data)
}

// RefreshGrant requests new tokens using a refresh token.
func (c *SDKClient) RefreshGrant(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.ClientID},
	}

	return c.requestToken(ctx, data)
}

// MFAOTPGrant completes MFA authentication using a TOTP code or backup code.
func (c *SDKClient) MFAOTPGrant(
	ctx context.Context,
	mfaError MFARequiredError,
	method, otpCode string,
) (*TokenResponse, error) {
	data := url.Values{
		"grant_type": {"mfa_otp"},
		"mfa_token":  {mfaError.MFAToken},
		"method":     {method},
		"otp_code":   {otpCode},
		"client_id":  {c.ClientID},
	}

	return c.requestToken(ctx, data)
}

// RevokeToken revokes a refresh token. Used on explicit logout.
func (c *SDKClient) RevokeToken(ctx context.Context, token string) error {
	data := url.Values{
		"token":     {token},
		"client_id": {c.ClientID},
	}

	resp, err := c.postForm(ctx, c.RevokePath, data)
	if err != nil {
		return err
	}

	return checkStatus(resp, http.StatusOK)
}

func (c *SDKClient) requestToken(ctx context.Context, data url.Values) (*TokenResponse, error) {
	resp, err := c.postForm(ctx, c.TokenPath, data)
	if err != nil {
		return nil, err
	}

	var tokenResp TokenResponse
	if err := DecodeJSON(resp, &tokenResp, http.StatusOK); err != nil {
		return nil, err
	}

	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	return &tokenResp, nil
}

func (c *SDKClient) postForm(ctx context.Context, path string, data url.Values) (*http.Response, error) {
	headers := map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
		"Accept":       "application/json",
	}

	return c.doRequest(ctx, http.MethodPost, path, strings.NewReader(data.Encode()), headers)
}
