package ember

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// jsonOutputFormat is the response schema tag sent with every query POST.
// The status and cancel endpoints require it to be absent.
const jsonOutputFormat = "JSON_Compact"

// CursorState tracks the execution state of a cursor
type CursorState int

const (
	// CursorNone means no query has been executed yet
	CursorNone CursorState = iota
	// CursorDone means the last execution completed successfully
	CursorDone
	// CursorError means the last execution failed
	CursorError
)

// QueryStatus is the server-side state of an asynchronously submitted query
type QueryStatus string

const (
	QueryStatusNotReady            QueryStatus = "NOT_READY"
	QueryStatusRunning             QueryStatus = "RUNNING"
	QueryStatusStartedExecution    QueryStatus = "STARTED_EXECUTION"
	QueryStatusParseError          QueryStatus = "PARSE_ERROR"
	QueryStatusEndedSuccessfully   QueryStatus = "ENDED_SUCCESSFULLY"
	QueryStatusEndedUnsuccessfully QueryStatus = "ENDED_UNSUCCESSFULLY"
	QueryStatusCanceledExecution   QueryStatus = "CANCELED_EXECUTION"
	QueryStatusExecutionError      QueryStatus = "EXECUTION_ERROR"
)

// parseQueryStatus maps server status text to a QueryStatus. An empty string
// means the status is not yet available; unknown text is a hard error.
func parseQueryStatus(s string) (QueryStatus, error) {
	if s == "" {
		return QueryStatusNotReady, nil
	}
	switch QueryStatus(s) {
	case QueryStatusNotReady, QueryStatusRunning, QueryStatusStartedExecution,
		QueryStatusParseError, QueryStatusEndedSuccessfully,
		QueryStatusEndedUnsuccessfully, QueryStatusCanceledExecution,
		QueryStatusExecutionError:
		return QueryStatus(s), nil
	}
	return "", NewOperationalError(fmt.Sprintf("unknown query status %q", s))
}

// executeOptions collects per-call execution options
type executeOptions struct {
	skipParsing bool
}

// ExecuteOption represents a functional option for a single execution
type ExecuteOption func(*executeOptions)

// WithSkipParsing disables statement splitting and parameter substitution,
// sending the raw query text verbatim as a single statement. This trades
// parameterized, multi-statement and SET support for latency.
func WithSkipParsing() ExecuteOption {
	return func(o *executeOptions) {
		o.skipParsing = true
	}
}

// Cursor is a stateful handle for submitting queries against a connection and
// iterating result rows. Create cursors with Connection.Cursor.
//
// A cursor may be shared across goroutines: executions are serialized, while
// fetches against an already-completed result may proceed concurrently and
// return disjoint, order-preserving row slices.
type Cursor struct {
	client     *Client
	connection *Connection

	// lock serializes executions (write side) against fetches (read side).
	// fetchMu additionally serializes row-offset advancement so concurrent
	// read-locked fetches hand out disjoint slices.
	lock    sync.RWMutex
	fetchMu sync.Mutex

	closed        bool
	state         CursorState
	rowSets       []rowSet
	currentSet    int
	rowIdx        int
	queryID       string
	arraySize     int
	setParameters map[string]string
}

func newCursor(client *Client, connection *Connection) *Cursor {
	return &Cursor{
		client:        client,
		connection:    connection,
		arraySize:     1,
		setParameters: make(map[string]string),
	}
}

// Connection returns the connection the cursor belongs to
func (c *Cursor) Connection() *Connection {
	return c.connection
}

// State returns the cursor's execution state
func (c *Cursor) State() CursorState {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.state
}

// ArraySize returns the default Fetchmany batch size
func (c *Cursor) ArraySize() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.arraySize
}

// SetArraySize sets the default Fetchmany batch size
func (c *Cursor) SetArraySize(size int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if size > 0 {
		c.arraySize = size
	}
}

// Description returns the columns of the current result set, or nil after a
// statement with no row data.
func (c *Cursor) Description() []Column {
	c.lock.RLock()
	defer c.lock.RUnlock()
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()
	if set := c.currentRowSet(); set != nil {
		return set.columns
	}
	return nil
}

// RowCount returns the row count of the current result set, -1 when the
// statement produced no row data or no query was executed.
func (c *Cursor) RowCount() int64 {
	c.lock.RLock()
	defer c.lock.RUnlock()
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()
	if set := c.currentRowSet(); set != nil {
		return set.rowCount
	}
	return -1
}

// Statistics returns the server-side statistics of the current result set,
// or nil when unavailable.
func (c *Cursor) Statistics() *Statistics {
	c.lock.RLock()
	defer c.lock.RUnlock()
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()
	if set := c.currentRowSet(); set != nil {
		return set.statistics
	}
	return nil
}

// QueryID returns the server-side query id of the last asynchronous
// submission, or an empty string.
func (c *Cursor) QueryID() string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.queryID
}

// SetParameters returns a copy of the accumulated session parameters
func (c *Cursor) SetParameters() map[string]string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	params := make(map[string]string, len(c.setParameters))
	for k, v := range c.setParameters {
		params[k] = v
	}
	return params
}

// FlushParameters clears all accumulated session parameters
func (c *Cursor) FlushParameters() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return NewError(ErrorTypeClosed, "unable to flush parameters: cursor closed")
	}
	c.setParameters = make(map[string]string)
	return nil
}

// currentRowSet returns the current result set, or nil. Callers hold either
// the write lock or fetchMu.
func (c *Cursor) currentRowSet() *rowSet {
	if c.currentSet < len(c.rowSets) {
		return &c.rowSets[c.currentSet]
	}
	return nil
}

// Execute prepares and runs a query, returning the row count of its first
// statement. Placeholder characters ('?') are substituted with values from
// params; multiple semicolon-separated statements run sequentially, with
// Nextset switching between their results; SET statements mutate session
// parameters that apply to all subsequent statements on this cursor.
func (c *Cursor) Execute(ctx context.Context, query string, params []interface{}, opts ...ExecuteOption) (int64, error) {
	options := executeOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	var paramSets [][]interface{}
	if len(params) > 0 {
		paramSets = [][]interface{}{params}
	}
	if err := c.doExecute(ctx, query, paramSets, options.skipParsing, false); err != nil {
		return -1, err
	}
	return c.RowCount(), nil
}

// ExecuteMany runs the query once per parameter set, in set order, and
// returns the row count of the first statement.
func (c *Cursor) ExecuteMany(ctx context.Context, query string, paramSets [][]interface{}) (int64, error) {
	if err := c.doExecute(ctx, query, paramSets, false, false); err != nil {
		return -1, err
	}
	return c.RowCount(), nil
}

// ExecuteAsync submits a single statement for server-side asynchronous
// execution and returns its query id. The result is not fetched; poll
// GetStatus and retrieve results out of band.
func (c *Cursor) ExecuteAsync(ctx context.Context, query string, params []interface{}) (string, error) {
	var paramSets [][]interface{}
	if len(params) > 0 {
		paramSets = [][]interface{}{params}
	}
	if err := c.doExecute(ctx, query, paramSets, false, true); err != nil {
		return "", err
	}
	return c.QueryID(), nil
}

// doExecute runs the full execution state machine. Any failure aborts the
// remaining statements and leaves the cursor in the error state.
func (c *Cursor) doExecute(ctx context.Context, query string, paramSets [][]interface{}, skipParsing, async bool) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return NewError(ErrorTypeClosed, "unable to execute: cursor closed")
	}

	// Reset discards prior results before anything can fail
	c.state = CursorNone
	c.rowSets = nil
	c.currentSet = 0
	c.rowIdx = 0
	c.queryID = ""

	statements, err := c.prepareStatements(query, paramSets, skipParsing, async)
	if err != nil {
		c.state = CursorError
		return err
	}

	for _, statement := range statements {
		if err := c.executeStatement(ctx, statement, async); err != nil {
			c.state = CursorError
			return err
		}
	}

	c.state = CursorDone
	return nil
}

func (c *Cursor) prepareStatements(query string, paramSets [][]interface{}, skipParsing, async bool) ([]Statement, error) {
	if skipParsing {
		if len(paramSets) > 0 {
			return nil, NewProgrammingError("query parameters cannot be combined with skip parsing")
		}
		return []Statement{{SQL: query}}, nil
	}
	statements, err := SplitFormat(query, paramSets)
	if err != nil {
		return nil, err
	}
	if async && len(statements) != 1 {
		return nil, NewProgrammingError(
			"server-side asynchronous execution supports exactly one statement")
	}
	return statements, nil
}

// executeStatement dispatches a single statement. Callers hold the write lock.
func (c *Cursor) executeStatement(ctx context.Context, statement Statement, async bool) error {
	start := time.Now()

	if statement.IsSet() {
		if err := c.validateSetParameter(ctx, *statement.Set); err != nil {
			return err
		}
		c.rowSets = append(c.rowSets, ddlRowSet())
		return nil
	}

	if async {
		if err := c.submitAsync(ctx, statement.SQL); err != nil {
			return err
		}
		c.rowSets = append(c.rowSets, ddlRowSet())
		return nil
	}

	status, body, err := c.request(ctx, statement.SQL,
		map[string]string{"output_format": jsonOutputFormat}, "", true)
	if err != nil {
		return err
	}
	if err := c.classifyResponse(ctx, status, body); err != nil {
		return err
	}
	set, err := rowSetFromResponse(body, c.typeOptions())
	if err != nil {
		return err
	}
	c.rowSets = append(c.rowSets, set)

	c.client.logf("query returned %d rows in %s", set.rowCount, time.Since(start))
	return nil
}

// validateSetParameter probes the candidate parameter with a throwaway query
// and commits it to the session map only on success.
func (c *Cursor) validateSetParameter(ctx context.Context, parameter SetParameter) error {
	if parameter.Name == "async_execution" {
		return NewError(ErrorTypeInvalidParameter,
			"async_execution cannot be set with a SET command; use ExecuteAsync instead")
	}

	status, body, err := c.request(ctx, "select 1",
		map[string]string{parameter.Name: parameter.Value}, "", true)
	if err != nil {
		return err
	}
	if status == http.StatusBadRequest {
		return NewError(ErrorTypeInvalidParameter, fmt.Sprintf(
			"invalid session parameter %s=%s: %s", parameter.Name, parameter.Value, body))
	}
	if err := c.classifyResponse(ctx, status, body); err != nil {
		return err
	}

	c.setParameters[parameter.Name] = parameter.Value
	return nil
}

// submitAsync POSTs a statement with async markers and records the returned
// query id.
func (c *Cursor) submitAsync(ctx context.Context, sql string) error {
	status, body, err := c.request(ctx, sql, map[string]string{
		"async_execution": "1",
		"advanced_mode":   "1",
		"output_format":   jsonOutputFormat,
	}, "", true)
	if err != nil {
		return err
	}
	if err := c.classifyResponse(ctx, status, body); err != nil {
		return err
	}
	if len(body) == 0 {
		return NewOperationalError("no response to asynchronous query")
	}
	var envelope asyncResponseEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return NewErrorWithCause(ErrorTypeOperational,
			"invalid response to asynchronous query", err)
	}
	if envelope.QueryID == nil || *envelope.QueryID == "" {
		return NewOperationalError("invalid response to asynchronous query: missing query_id")
	}
	c.queryID = *envelope.QueryID
	return nil
}

// request POSTs a query to the engine endpoint, merging accumulated session
// parameters, the connection's database and, for system engines, the account
// id into the request parameters. Returns the status code and the full body.
func (c *Cursor) request(ctx context.Context, query string, params map[string]string, path string, useSetParameters bool) (int, []byte, error) {
	values := url.Values{}
	if useSetParameters {
		for name, value := range c.setParameters {
			values.Set(name, value)
		}
	}
	for name, value := range params {
		values.Set(name, value)
	}
	if c.connection.database != "" {
		values.Set("database", c.connection.database)
	}
	if c.connection.isSystem() {
		accountID, err := c.client.AccountID(ctx)
		if err != nil {
			return 0, nil, err
		}
		values.Set("account_id", accountID)
	}

	resp, err := c.client.Request(ctx, http.MethodPost, path, values, query)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, NewErrorWithCause(ErrorTypeInterface, "failed to read response body", err)
	}
	return resp.StatusCode, body, nil
}

// classifyResponse maps a non-2xx response to a specific error kind,
// re-probing the control plane for diagnostic precision where the status is
// ambiguous. A failing probe never masks the primary error.
func (c *Cursor) classifyResponse(ctx context.Context, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	switch {
	case status == http.StatusInternalServerError:
		return NewOperationalError(fmt.Sprintf("error executing query:\n%s", body))

	case status == http.StatusForbidden:
		if db := c.connection.database; db != "" {
			if available, err := isDatabaseAvailable(ctx, c.connection, db); err == nil && !available {
				return NewError(ErrorTypeDatabaseNotFound,
					fmt.Sprintf("database %s does not exist", db))
			}
		}
		return NewProgrammingError(string(body))

	case status == http.StatusServiceUnavailable || status == http.StatusNotFound:
		if running, err := isEngineRunning(ctx, c.connection); err == nil && !running {
			return NewError(ErrorTypeEngineNotRunning, fmt.Sprintf(
				"engine %s needs to be running to run queries against it", c.connection.engineURL))
		}
	}

	return NewInterfaceError(
		fmt.Sprintf("unexpected response from query endpoint: %d %s", status, body), status)
}

// typeOptions derives decoding options from the accumulated session
// parameters. Callers hold at least the read lock.
func (c *Cursor) typeOptions() typeOptions {
	opts := typeOptions{}
	if tz := c.setParameters["time_zone"]; tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			opts.location = loc
		}
	}
	if c.setParameters["bool_output_format"] == "postgres" {
		opts.textualBools = true
	}
	return opts
}

// GetStatus polls the status endpoint for a server-side asynchronous query.
// An empty server status maps to QueryStatusNotReady.
func (c *Cursor) GetStatus(ctx context.Context, queryID string) (QueryStatus, error) {
	status, err := c.getStatus(ctx, queryID)
	if err != nil {
		c.lock.Lock()
		c.state = CursorError
		c.lock.Unlock()
		return "", err
	}
	return status, nil
}

func (c *Cursor) getStatus(ctx context.Context, queryID string) (QueryStatus, error) {
	if c.isClosed() {
		return "", NewError(ErrorTypeClosed, "unable to get status: cursor closed")
	}

	// Session parameters and output_format break the status endpoint
	status, body, err := c.request(ctx, "", map[string]string{"query_id": queryID}, "status", false)
	if err != nil {
		return "", err
	}
	if status == http.StatusBadRequest {
		return "", NewOperationalError(fmt.Sprintf(
			"asynchronous query %s status check failed: %d", queryID, status))
	}
	if err := c.classifyResponse(ctx, status, body); err != nil {
		return "", err
	}

	var envelope struct {
		Status *string `json:"status"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", NewErrorWithCause(ErrorTypeOperational,
			"invalid response to asynchronous query status check", err)
	}
	if envelope.Status == nil {
		return "", NewOperationalError("invalid response to asynchronous query: missing status")
	}
	return parseQueryStatus(*envelope.Status)
}

// Cancel requests cancellation of a server-side asynchronous query. The call
// is fire-and-forget; poll GetStatus to observe the outcome.
func (c *Cursor) Cancel(ctx context.Context, queryID string) error {
	if c.isClosed() {
		return NewError(ErrorTypeClosed, "unable to cancel: cursor closed")
	}
	_, _, err := c.request(ctx, "", map[string]string{"query_id": queryID}, "cancel", false)
	return err
}

// checkExecuted validates that a query completed successfully. Callers hold
// at least the read lock.
func (c *Cursor) checkExecuted(verb string) error {
	if c.closed {
		return NewError(ErrorTypeClosed, fmt.Sprintf("unable to %s: cursor closed", verb))
	}
	if c.state != CursorDone {
		return NewError(ErrorTypeNoData, "no results available: query not executed successfully")
	}
	return nil
}

// fetchableRowSet resolves the current result set and validates it has row
// data. Callers hold the read lock and fetchMu.
func (c *Cursor) fetchableRowSet() (*rowSet, error) {
	set := c.currentRowSet()
	if set == nil || set.columns == nil {
		return nil, NewError(ErrorTypeNoData, "no rows to fetch: statement returned no row data")
	}
	return set, nil
}

// Fetchone returns the next row of the current result set, or nil when the
// set is exhausted.
func (c *Cursor) Fetchone() ([]Value, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if err := c.checkExecuted("fetch"); err != nil {
		return nil, err
	}

	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()
	set, err := c.fetchableRowSet()
	if err != nil {
		return nil, err
	}
	if c.rowIdx >= len(set.rows) {
		return nil, nil
	}
	row := set.rows[c.rowIdx]
	c.rowIdx++
	return row, nil
}

// Fetchmany returns up to size rows from the current result set. A negative
// size uses the cursor's array size; zero returns an empty slice.
func (c *Cursor) Fetchmany(size int) ([][]Value, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if err := c.checkExecuted("fetch"); err != nil {
		return nil, err
	}
	if size < 0 {
		size = c.arraySize
	}

	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()
	set, err := c.fetchableRowSet()
	if err != nil {
		return nil, err
	}
	remaining := len(set.rows) - c.rowIdx
	if remaining < 0 {
		remaining = 0
	}
	if size > remaining {
		size = remaining
	}
	rows := set.rows[c.rowIdx : c.rowIdx+size]
	c.rowIdx += size
	return rows, nil
}

// Fetchall returns all remaining rows of the current result set. A second
// call returns an empty slice.
func (c *Cursor) Fetchall() ([][]Value, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if err := c.checkExecuted("fetch"); err != nil {
		return nil, err
	}

	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()
	set, err := c.fetchableRowSet()
	if err != nil {
		return nil, err
	}
	if c.rowIdx >= len(set.rows) {
		return [][]Value{}, nil
	}
	rows := set.rows[c.rowIdx:]
	c.rowIdx = len(set.rows)
	return rows, nil
}

// Nextset advances to the next result set of a multi-statement query,
// resetting the row offset. Returns false when no further sets exist.
func (c *Cursor) Nextset() (bool, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if err := c.checkExecuted("advance result sets"); err != nil {
		return false, err
	}

	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()
	if c.currentSet+1 >= len(c.rowSets) {
		return false, nil
	}
	c.currentSet++
	c.rowIdx = 0
	return true, nil
}

// HasNextset reports whether a further result set follows the current one,
// without advancing. False when no query has completed successfully.
func (c *Cursor) HasNextset() bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if c.closed || c.state != CursorDone {
		return false
	}
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()
	return c.currentSet+1 < len(c.rowSets)
}

func (c *Cursor) isClosed() bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.closed
}

// Closed reports whether the cursor has been closed
func (c *Cursor) Closed() bool {
	return c.isClosed()
}

// Close releases the cursor's buffered results and session parameters and
// unregisters it from its connection. Closing twice is a no-op.
func (c *Cursor) Close() error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return nil
	}
	c.closed = true
	c.rowSets = nil
	c.setParameters = make(map[string]string)
	c.lock.Unlock()

	c.connection.removeCursor(c)
	return nil
}
