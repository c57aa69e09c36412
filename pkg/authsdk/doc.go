/*
Package authsdk is the console's client for the platform's OAuth2 token
endpoint. It is the REST collaborator the session layer talks to when it needs
to log in, refresh or revoke credentials.

# Overview

SDKClient only knows how to exchange grants for tokens. It holds no session
state; keeping a credential fresh across concurrent callers is the job of
package session, which wraps SDKClient behind its Refresher interface.

	client := authsdk.NewSDKClient("https://api.example.com", "admin-console")

	tokens, err := client.PasswordGrant(ctx, "alice", "hunter2")
	var mfa *authsdk.MFARequiredError
	if errors.As(err, &mfa) {
		tokens, err = client.MFAOTPGrant(ctx, *mfa, "totp", code)
	}

	// Later, when the access token runs out
	tokens, err = client.RefreshGrant(ctx, tokens.RefreshToken)

# Error Handling

Non-2xx responses come back as typed errors:

  - MFARequiredError: password was fine, a second factor is needed
  - OAuth2Error: everything else the server said no to

Failures to reach the server at all wrap ErrTransport. Callers deciding whether
a refresh token is dead should use OAuth2Error.Rejected rather than matching
on codes themselves; a 5xx or 429 is not a rejection.

# Thread Safety

SDKClient is safe for concurrent use once configured. Don't mutate its fields
after handing it to other goroutines.
*/
package authsdk
