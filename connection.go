package ember

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
)

// Connection owns a transport client bound to one engine endpoint and the
// registry of cursors opened against it. Connections targeting a user engine
// additionally hold a system-engine connection used for control-plane lookups.
type Connection struct {
	client    *Client
	database  string
	engineURL string

	// systemConnection is nil when this connection itself targets the
	// system engine.
	systemConnection *Connection

	mu      sync.Mutex // Protects cursors and closed
	cursors map[*Cursor]struct{}
	closed  bool
}

// connectConfig collects the settings gathered from connect options
type connectConfig struct {
	accountName string
	database    string
	engineName  string
	engineURL   string
	apiEndpoint string
	auth        ClientCredentials
	httpClient  *http.Client
	userAgent   string
	logger      *log.Logger
}

// Option represents a functional option for Connect
type Option func(*connectConfig)

// WithAccountName sets the account the connection authenticates against (required)
func WithAccountName(name string) Option {
	return func(c *connectConfig) {
		c.accountName = name
	}
}

// WithAuth sets the service account credentials (required)
func WithAuth(auth ClientCredentials) Option {
	return func(c *connectConfig) {
		c.auth = auth
	}
}

// WithDatabase sets the database queries run against
func WithDatabase(database string) Option {
	return func(c *connectConfig) {
		c.database = database
	}
}

// WithEngineName routes queries to the named engine, resolved through the
// system engine catalog at connect time.
func WithEngineName(name string) Option {
	return func(c *connectConfig) {
		c.engineName = name
	}
}

// WithEngineURL routes queries directly to a known engine endpoint,
// bypassing name resolution.
func WithEngineURL(engineURL string) Option {
	return func(c *connectConfig) {
		c.engineURL = engineURL
	}
}

// WithAPIEndpoint overrides the control-plane API endpoint
func WithAPIEndpoint(endpoint string) Option {
	return func(c *connectConfig) {
		c.apiEndpoint = endpoint
	}
}

// WithConnectHTTPClient sets a custom HTTP client for all transports created
// by Connect.
func WithConnectHTTPClient(client *http.Client) Option {
	return func(c *connectConfig) {
		c.httpClient = client
	}
}

// WithConnectUserAgent sets the User-Agent for all transports created by Connect
func WithConnectUserAgent(userAgent string) Option {
	return func(c *connectConfig) {
		c.userAgent = userAgent
	}
}

// WithConnectLogger sets the logger for all transports created by Connect
func WithConnectLogger(logger *log.Logger) Option {
	return func(c *connectConfig) {
		c.logger = logger
	}
}

// DefaultAPIEndpoint is the production control-plane endpoint
const DefaultAPIEndpoint = "api.app.ember.io"

// Connect establishes a connection to an engine. The system engine endpoint
// is always resolved through the account gateway; when an engine name is
// given it is then resolved to a running user engine through the system
// engine catalog, and the returned connection keeps the system connection
// for control-plane lookups.
func Connect(ctx context.Context, options ...Option) (*Connection, error) {
	config := connectConfig{apiEndpoint: DefaultAPIEndpoint}
	for _, option := range options {
		option(&config)
	}

	if config.accountName == "" {
		return nil, NewProgrammingError("account name is required to connect")
	}
	if config.engineName != "" && config.engineURL != "" {
		return nil, NewProgrammingError("engine name and engine URL are mutually exclusive")
	}

	clientOptions := []ClientOption{}
	if config.httpClient != nil {
		clientOptions = append(clientOptions, WithHTTPClient(config.httpClient))
	}
	if config.userAgent != "" {
		clientOptions = append(clientOptions, WithUserAgent(config.userAgent))
	}
	if config.logger != nil {
		clientOptions = append(clientOptions, WithLogger(config.logger))
	}
	newClient := func(baseURL string) *Client {
		return NewClient(baseURL, config.apiEndpoint, config.accountName, config.auth, clientOptions...)
	}

	gatewayClient := newClient(config.apiEndpoint)
	systemURL, err := systemEngineURL(ctx, gatewayClient)
	if err != nil {
		return nil, err
	}

	systemConnection := &Connection{
		client:    newClient(systemURL),
		database:  config.database,
		engineURL: fixURLScheme(systemURL),
		cursors:   make(map[*Cursor]struct{}),
	}

	switch {
	case config.engineURL != "":
		return &Connection{
			client:           newClient(config.engineURL),
			database:         config.database,
			engineURL:        fixURLScheme(config.engineURL),
			systemConnection: systemConnection,
			cursors:          make(map[*Cursor]struct{}),
		}, nil

	case config.engineName != "":
		engineURL, status, attachedDB, err := engineByName(ctx, systemConnection, config.engineName)
		if err != nil {
			systemConnection.Close()
			return nil, err
		}
		if status != engineStatusRunning {
			systemConnection.Close()
			return nil, NewError(ErrorTypeEngineNotRunning, fmt.Sprintf(
				"engine %s needs to be running to run queries against it", config.engineName))
		}
		database := config.database
		if database == "" {
			database = attachedDB
		}
		return &Connection{
			client:           newClient(engineURL),
			database:         database,
			engineURL:        fixURLScheme(engineURL),
			systemConnection: systemConnection,
			cursors:          make(map[*Cursor]struct{}),
		}, nil
	}

	// No engine requested: queries run on the system engine itself
	return systemConnection, nil
}

// isSystem reports whether the connection targets the system engine
func (c *Connection) isSystem() bool {
	return c.systemConnection == nil
}

// Database returns the database queries run against, if any
func (c *Connection) Database() string {
	return c.database
}

// EngineURL returns the engine endpoint queries are sent to
func (c *Connection) EngineURL() string {
	return c.engineURL
}

// Closed reports whether the connection has been closed
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Cursor creates and registers a new cursor sharing the connection's
// transport and session context.
func (c *Connection) Cursor() (*Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, NewError(ErrorTypeClosed, "unable to create cursor: connection closed")
	}
	cursor := newCursor(c.client, c)
	c.cursors[cursor] = struct{}{}
	return cursor, nil
}

// removeCursor unregisters a cursor. Removing an unregistered cursor is a
// silent no-op.
func (c *Connection) removeCursor(cursor *Cursor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cursors, cursor)
}

// Commit does nothing since the engine has no transactions, but still fails
// on a closed connection.
func (c *Connection) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return NewError(ErrorTypeClosed, "unable to commit: connection closed")
	}
	return nil
}

// Close closes every registered cursor, the system-engine connection when
// one is held, and marks the connection closed. Closing twice is a no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cursors := make([]*Cursor, 0, len(c.cursors))
	for cursor := range c.cursors {
		cursors = append(cursors, cursor)
	}
	c.cursors = make(map[*Cursor]struct{})
	c.mu.Unlock()

	for _, cursor := range cursors {
		cursor.Close()
	}
	if c.systemConnection != nil {
		return c.systemConnection.Close()
	}
	return nil
}
