package ember

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const oauthTokenPath = "/oauth/token"

// tokenExpiryMargin is subtracted from the token lifetime so a token is never
// presented within this window of its expiry.
const tokenExpiryMargin = 30 * time.Second

// ClientCredentials holds the service account credentials used for the OAuth
// client-credentials flow.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// tokenResponse represents the auth server's token grant payload
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	Error       string `json:"error"`
}

// ensureAccessToken returns a token that is valid for at least
// tokenExpiryMargin, fetching a fresh one when needed.
func (c *Client) ensureAccessToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	token := c.accessToken
	expiry := c.tokenExpiry
	c.mu.RUnlock()

	if token != "" && time.Until(expiry) > tokenExpiryMargin {
		return token, nil
	}
	return c.fetchAccessToken(ctx)
}

// fetchAccessToken performs the client-credentials grant against the auth host
func (c *Client) fetchAccessToken(ctx context.Context) (string, error) {
	if c.auth.ClientID == "" || c.auth.ClientSecret == "" {
		return "", NewAuthenticationError("client id and client secret are required")
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.auth.ClientID)
	form.Set("client_secret", c.auth.ClientSecret)
	form.Set("audience", c.apiEndpoint)

	target := authEndpoint(c.apiEndpoint) + oauthTokenPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return "", NewErrorWithCause(ErrorTypeAuthentication, "failed to create token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", NewErrorWithCause(ErrorTypeAuthentication, "token request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", NewAuthenticationError(
			fmt.Sprintf("failed to acquire access token: %d %s", resp.StatusCode, body))
	}

	var tokenResp tokenResponse
	if err := decodeJSONBody(resp.Body, &tokenResp); err != nil {
		return "", NewErrorWithCause(ErrorTypeAuthentication, "failed to parse token response", err)
	}
	if tokenResp.Error != "" {
		return "", NewAuthenticationError(tokenResp.Error)
	}
	if tokenResp.AccessToken == "" {
		return "", NewAuthenticationError("empty access token received")
	}

	c.mu.Lock()
	c.accessToken = tokenResp.AccessToken
	c.tokenExpiry = tokenExpiry(tokenResp)
	c.mu.Unlock()

	return tokenResp.AccessToken, nil
}

// clearAccessToken drops the cached token so the next request fetches a fresh one
func (c *Client) clearAccessToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = ""
	c.tokenExpiry = time.Time{}
}

// tokenExpiry derives the token expiry, preferring the exp claim embedded in
// the token itself over the advertised expires_in. The claim is read without
// signature verification; the token is only inspected, never trusted.
func tokenExpiry(resp tokenResponse) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(resp.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	if resp.ExpiresIn > 0 {
		return time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	// No expiry information at all; treat the token as short-lived.
	return time.Now().Add(time.Minute)
}

// authEndpoint derives the auth host from the API endpoint by replacing the
// first host label with "id" (api.app.ember.io -> id.app.ember.io). Hosts
// without subdomains and IP addresses are returned unchanged, which keeps
// single-host test servers working.
func authEndpoint(apiEndpoint string) string {
	parsed, err := url.Parse(apiEndpoint)
	if err != nil || parsed.Host == "" {
		return apiEndpoint
	}
	host := parsed.Hostname()
	if net.ParseIP(host) != nil {
		return apiEndpoint
	}
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return apiEndpoint
	}
	labels[0] = "id"
	newHost := strings.Join(labels, ".")
	if port := parsed.Port(); port != "" {
		newHost += ":" + port
	}
	parsed.Host = newHost
	return parsed.String()
}

// decodeJSONBody decodes a JSON response body into target
func decodeJSONBody(body io.Reader, target interface{}) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	return json.Unmarshal(data, target)
}
