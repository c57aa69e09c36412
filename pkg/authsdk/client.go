package authsdk

import (
	"net/http"
	"strings"
	"time"
)

const (
	DefaultTokenPath  = "/v1/oauth2/token"
	DefaultRevokePath = "/v1/oauth2/revoke"
)

// SDKClient is a client for the platform's token endpoint.
type SDKClient struct {
	BaseURL    string
	ClientID   string
	HTTPClient *http.Client

	// TokenPath and RevokePath are appended to BaseURL. The defaults follow
	// the platform's OAuth2 routes; older deployments mount them elsewhere.
	TokenPath  string
	RevokePath string
}

// NewSDKClient creates a new token endpoint client with the default routes.
func NewSDKClient(baseURL, clientID string) *SDKClient {
	return &SDKClient{
		BaseURL:  strings.TrimSuffix(baseURL, "/"),
		ClientID: clientID,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		TokenPath:  DefaultTokenPath,
		RevokePath: DefaultRevokePath,
	}
}
