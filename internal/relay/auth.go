package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
)

// tokenScope is the Entra ID scope for Cognitive Services resources.
const tokenScope = "https://cognitiveservices.azure.com/.default"

// credentials produces the authentication header for one dial.
type credentials struct {
	apiKey string
	token  azcore.TokenCredential
}

func (c credentials) header(ctx context.Context) (http.Header, error) {
	h := http.Header{}
	if c.apiKey != "" {
		h.Set("api-key", c.apiKey)
		return h, nil
	}
	tok, err := c.token.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{tokenScope}})
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	h.Set("Authorization", "Bearer "+tok.Token)
	return h, nil
}

// realtimeURL builds the websocket URL of the realtime endpoint. Endpoints
// given as http(s) URLs are rewritten to ws(s); a bare host is assumed to be
// wss.
func realtimeURL(endpoint, apiVersion, model string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.Contains(endpoint, "://") {
		endpoint = "wss://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no host", endpoint)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/voice-live/realtime"
	q := url.Values{}
	q.Set("api-version", apiVersion)
	q.Set("model", model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
