package ember

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	accountEngineURLPath = "/web/v3/account/%s/engineUrl"
	accountResolvePath   = "/web/v3/account/%s/resolve"

	defaultUserAgent = "ember-go-sdk"
)

// Client is the HTTP transport shared by a connection and its cursors. It
// injects the bearer token on every request, targets the engine endpoint for
// query traffic and the API endpoint for account resolution.
type Client struct {
	baseURL     string // engine endpoint, query traffic
	apiEndpoint string // control plane, account and auth traffic
	accountName string
	auth        ClientCredentials
	httpClient  *http.Client
	userAgent   string
	logger      *log.Logger

	mu          sync.RWMutex // Protects accessToken, tokenExpiry and accountID
	accessToken string
	tokenExpiry time.Time
	accountID   string
}

// ClientOption represents a functional option for configuring the Client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithUserAgent sets a custom User-Agent header value
func WithUserAgent(userAgent string) ClientOption {
	return func(c *Client) {
		c.userAgent = userAgent
	}
}

// WithLogger sets the logger used for query execution logging
func WithLogger(logger *log.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new transport client. baseURL is the engine endpoint
// queries are POSTed to; apiEndpoint is the control-plane endpoint used for
// account resolution and deriving the auth host.
func NewClient(baseURL, apiEndpoint, accountName string, auth ClientCredentials, options ...ClientOption) *Client {
	client := &Client{
		baseURL:     fixURLScheme(baseURL),
		apiEndpoint: fixURLScheme(apiEndpoint),
		accountName: accountName,
		auth:        auth,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		userAgent:   defaultUserAgent,
		logger:      log.New(io.Discard, "", log.LstdFlags),
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// BaseURL returns the engine endpoint query traffic is sent to
func (c *Client) BaseURL() string {
	return c.baseURL
}

// AccountName returns the account name the client is bound to
func (c *Client) AccountName() string {
	return c.accountName
}

// Request performs an authenticated HTTP request against the engine endpoint.
// An empty path targets the root query endpoint; otherwise path is appended
// ("status", "cancel"). The response body is not consumed.
func (c *Client) Request(ctx context.Context, method, path string, params url.Values, body string) (*http.Response, error) {
	target := c.baseURL
	if path != "" {
		target = strings.TrimRight(c.baseURL, "/") + "/" + path
	}
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	return c.do(ctx, method, target, strings.NewReader(body), nil)
}

// AccountID resolves and caches the numeric account id for the client's
// account name via the control plane.
func (c *Client) AccountID(ctx context.Context) (string, error) {
	c.mu.RLock()
	id := c.accountID
	c.mu.RUnlock()
	if id != "" {
		return id, nil
	}

	target := c.apiEndpoint + fmt.Sprintf(accountResolvePath, url.PathEscape(c.accountName))
	resp, err := c.do(ctx, http.MethodGet, target, nil, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", NewError(ErrorTypeAccountNotFound,
			fmt.Sprintf("account %q does not exist in this organization", c.accountName))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", NewInterfaceError(
			fmt.Sprintf("unable to resolve account id for %q: %d %s", c.accountName, resp.StatusCode, body),
			resp.StatusCode)
	}

	var payload struct {
		ID string `json:"id"`
	}
	if err := decodeJSONBody(resp.Body, &payload); err != nil {
		return "", NewErrorWithCause(ErrorTypeInterface, "failed to parse account id response", err)
	}
	if payload.ID == "" {
		return "", NewInterfaceError("account id response is missing an id", resp.StatusCode)
	}

	c.mu.Lock()
	c.accountID = payload.ID
	c.mu.Unlock()
	return payload.ID, nil
}

// do performs an HTTP request with the bearer token attached, refreshing the
// token and retrying once on a 401 response.
func (c *Client) do(ctx context.Context, method, target string, body io.Reader, headers map[string]string) (*http.Response, error) {
	var bodyText string
	if body != nil {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, NewErrorWithCause(ErrorTypeInterface, "failed to read request body", err)
		}
		bodyText = string(data)
	}

	resp, err := c.doOnce(ctx, method, target, bodyText, headers)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	// The token may have been revoked before its recorded expiry. Force a
	// refresh and retry once.
	resp.Body.Close()
	c.clearAccessToken()
	return c.doOnce(ctx, method, target, bodyText, headers)
}

func (c *Client) doOnce(ctx context.Context, method, target, body string, headers map[string]string) (*http.Response, error) {
	token, err := c.ensureAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, strings.NewReader(body))
	if err != nil {
		return nil, NewErrorWithCause(ErrorTypeInterface, "failed to create request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.userAgent)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NewErrorWithCause(ErrorTypeInterface, "request failed", err)
	}
	return resp, nil
}

func (c *Client) logf(format string, args ...interface{}) {
	c.logger.Printf(format, args...)
}

// fixURLScheme adds an https scheme to an URL if it's missing.
func fixURLScheme(u string) string {
	if strings.HasPrefix(u, "http") {
		return u
	}
	return "https://" + u
}
