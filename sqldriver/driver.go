package sqldriver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	ember "github.com/emberdata/ember-go"
)

const driverName = "ember"

func init() {
	sql.Register(driverName, &Driver{})
}

// defaultConnection is the connection handed out by Driver.Open. It must be
// set with SetConnection before sql.Open is used; sql.OpenDB with a Connector
// does not need it.
var (
	defaultConnectionMu sync.RWMutex
	defaultConnection   *ember.Connection
)

// SetConnection registers the connection used by sql.Open("ember", ...).
// This must be called before any database operations.
func SetConnection(conn *ember.Connection) {
	defaultConnectionMu.Lock()
	defer defaultConnectionMu.Unlock()
	defaultConnection = conn
}

// --- Driver implementation ---

// Driver is the SQL driver for Ember engines
type Driver struct{}

// Open returns a new connection to the database. The DSN is ignored; the
// globally registered connection is used.
func (d *Driver) Open(name string) (driver.Conn, error) {
	defaultConnectionMu.RLock()
	conn := defaultConnection
	defaultConnectionMu.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("sqldriver: no connection registered; call SetConnection first")
	}
	return &Conn{connection: conn}, nil
}

// --- Connector implementation ---

// Connector binds a driver connection to an explicit *ember.Connection,
// for use with sql.OpenDB.
type Connector struct {
	connection *ember.Connection
}

// NewConnector creates a connector around an established connection
func NewConnector(conn *ember.Connection) *Connector {
	return &Connector{connection: conn}
}

// Connect returns a driver connection bound to the connector's connection
func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	return &Conn{connection: c.connection}, nil
}

// Driver returns the underlying driver
func (c *Connector) Driver() driver.Driver {
	return &Driver{}
}

// --- Connection implementation ---

// Conn implements the driver.Conn interface on top of an *ember.Connection.
// Cursors are created per statement, so connections are safe to pool.
// Prepared statements are tracked in a registry keyed by their id until they
// or the connection are closed.
type Conn struct {
	connection *ember.Connection

	mu    sync.Mutex
	stmts map[string]*Stmt
}

// Prepare returns a prepared statement, suitable for query or execution
func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	cursor, err := c.connection.Cursor()
	if err != nil {
		return nil, err
	}
	stmt := &Stmt{id: uuid.New().String(), conn: c, cursor: cursor, query: query}
	c.mu.Lock()
	if c.stmts == nil {
		c.stmts = make(map[string]*Stmt)
	}
	c.stmts[stmt.id] = stmt
	c.mu.Unlock()
	return stmt, nil
}

// removeStmt deregisters a closed statement. Removing an id that is already
// gone is a no-op.
func (c *Conn) removeStmt(id string) {
	c.mu.Lock()
	delete(c.stmts, id)
	c.mu.Unlock()
}

// Close releases the driver connection, closing the cursors of any statements
// still registered on it. The underlying *ember.Connection is owned by the
// application and stays open.
func (c *Conn) Close() error {
	c.mu.Lock()
	stmts := c.stmts
	c.stmts = nil
	c.mu.Unlock()
	for _, stmt := range stmts {
		stmt.cursor.Close()
	}
	return nil
}

// Begin starts a transaction. The engine has no transactions, so this always
// fails.
func (c *Conn) Begin() (driver.Tx, error) {
	return nil, fmt.Errorf("sqldriver: transactions are not supported")
}

// Ping verifies the engine is reachable
func (c *Conn) Ping(ctx context.Context) error {
	cursor, err := c.connection.Cursor()
	if err != nil {
		return driver.ErrBadConn
	}
	defer cursor.Close()
	if _, err := cursor.Execute(ctx, "SELECT 1", nil); err != nil {
		return err
	}
	return nil
}

// ExecContext executes a query without preparing a reusable statement
func (c *Conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	cursor, err := c.connection.Cursor()
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	params, err := namedToParams(args)
	if err != nil {
		return nil, err
	}
	rowCount, err := cursor.Execute(ctx, query, params)
	if err != nil {
		return nil, err
	}
	return &execResult{rowsAffected: rowCount}, nil
}

// QueryContext executes a query without preparing a reusable statement. The
// returned rows own their cursor and release it on Close.
func (c *Conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	cursor, err := c.connection.Cursor()
	if err != nil {
		return nil, err
	}

	params, err := namedToParams(args)
	if err != nil {
		cursor.Close()
		return nil, err
	}
	if _, err := cursor.Execute(ctx, query, params); err != nil {
		cursor.Close()
		return nil, err
	}
	return &queryRows{cursor: cursor, ownsCursor: true}, nil
}

// --- Statement implementation ---

// Stmt implements the driver.Stmt interface. Each statement owns a cursor so
// its session parameters and results are isolated.
type Stmt struct {
	id     string
	conn   *Conn
	cursor *ember.Cursor
	query  string
}

// Close closes the statement and its cursor and deregisters it from its
// connection
func (s *Stmt) Close() error {
	s.conn.removeStmt(s.id)
	return s.cursor.Close()
}

// NumInput returns the number of placeholder parameters.
// Returns -1 since the driver doesn't count placeholders before execution.
func (s *Stmt) NumInput() int {
	return -1
}

// Exec executes the statement with the given arguments and returns a Result
func (s *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.exec(context.Background(), valuesToParams(args))
}

// ExecContext executes the statement with the given arguments and returns a Result
func (s *Stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	params, err := namedToParams(args)
	if err != nil {
		return nil, err
	}
	return s.exec(ctx, params)
}

func (s *Stmt) exec(ctx context.Context, params []interface{}) (driver.Result, error) {
	rowCount, err := s.cursor.Execute(ctx, s.query, params)
	if err != nil {
		return nil, err
	}
	return &execResult{rowsAffected: rowCount}, nil
}

// Query executes the statement with the given arguments and returns Rows
func (s *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.queryRows(context.Background(), valuesToParams(args))
}

// QueryContext executes the statement with the given arguments and returns Rows
func (s *Stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	params, err := namedToParams(args)
	if err != nil {
		return nil, err
	}
	return s.queryRows(ctx, params)
}

func (s *Stmt) queryRows(ctx context.Context, params []interface{}) (driver.Rows, error) {
	if _, err := s.cursor.Execute(ctx, s.query, params); err != nil {
		return nil, err
	}
	// The statement keeps its cursor for re-execution
	return &queryRows{cursor: s.cursor}, nil
}

// --- Result implementation ---

// execResult implements the driver.Result interface
type execResult struct {
	rowsAffected int64
}

// LastInsertId is not supported by the engine
func (r *execResult) LastInsertId() (int64, error) {
	return 0, fmt.Errorf("sqldriver: LastInsertId is not supported")
}

// RowsAffected returns the row count of the executed statement
func (r *execResult) RowsAffected() (int64, error) {
	if r.rowsAffected < 0 {
		return 0, nil
	}
	return r.rowsAffected, nil
}

// --- Rows implementation ---

// queryRows implements the driver.Rows interface by draining a cursor
type queryRows struct {
	cursor     *ember.Cursor
	ownsCursor bool
}

// Columns returns the names of the result columns
func (r *queryRows) Columns() []string {
	columns := r.cursor.Description()
	names := make([]string, len(columns))
	for i, col := range columns {
		names[i] = col.Name
	}
	return names
}

// Close releases the rows. Cursors created for a one-off query are closed;
// statement-owned cursors stay open for re-execution.
func (r *queryRows) Close() error {
	if r.ownsCursor {
		return r.cursor.Close()
	}
	return nil
}

// Next populates the next row of data, returning io.EOF at the end of the set
func (r *queryRows) Next(dest []driver.Value) error {
	row, err := r.cursor.Fetchone()
	if err != nil {
		return err
	}
	if row == nil {
		return io.EOF
	}
	if len(row) != len(dest) {
		return fmt.Errorf("sqldriver: column count mismatch: expected %d, got %d", len(dest), len(row))
	}
	for i, value := range row {
		converted, err := convertValue(value)
		if err != nil {
			return err
		}
		dest[i] = converted
	}
	return nil
}

// HasNextResultSet reports whether another result set follows the current one
func (r *queryRows) HasNextResultSet() bool {
	return r.cursor.HasNextset()
}

// NextResultSet advances to the next result set of a multi-statement query
func (r *queryRows) NextResultSet() error {
	ok, err := r.cursor.Nextset()
	if err != nil {
		return err
	}
	if !ok {
		return io.EOF
	}
	return nil
}

// --- Value conversion ---

// valuesToParams converts positional driver values to client parameters
func valuesToParams(args []driver.Value) []interface{} {
	params := make([]interface{}, len(args))
	for i, arg := range args {
		params[i] = arg
	}
	return params
}

// namedToParams converts named driver values to positional client parameters.
// Only ordinal arguments are supported.
func namedToParams(args []driver.NamedValue) ([]interface{}, error) {
	params := make([]interface{}, len(args))
	for _, arg := range args {
		if arg.Name != "" {
			return nil, fmt.Errorf("sqldriver: named parameters are not supported")
		}
		if arg.Ordinal < 1 || arg.Ordinal > len(args) {
			return nil, fmt.Errorf("sqldriver: parameter ordinal %d out of range", arg.Ordinal)
		}
		params[arg.Ordinal-1] = arg.Value
	}
	return params, nil
}

// convertValue maps a decoded client value to a driver.Value. Decimals scan
// as strings and arrays as JSON-encoded strings, since driver.Value cannot
// carry them natively.
func convertValue(value ember.Value) (driver.Value, error) {
	switch v := value.(type) {
	case nil, int64, float64, bool, string, []byte, time.Time:
		return v, nil
	case decimal.Decimal:
		return v.String(), nil
	case []ember.Value:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("sqldriver: failed to encode array value: %w", err)
		}
		return string(encoded), nil
	}
	return nil, fmt.Errorf("sqldriver: unsupported column value type %T", value)
}
