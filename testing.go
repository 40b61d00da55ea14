package ember

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

// RecordedRequest represents one HTTP request received by a MockEngine
type RecordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Body   string
}

// MockQueryResponse is a configured response for one query text
type MockQueryResponse struct {
	StatusCode int
	Body       string
}

// MockEngine is an in-process engine endpoint for testing. It serves the
// query, status and cancel endpoints plus the control-plane gateway, account
// resolution and token routes, so a Connection created against it exercises
// the full request path.
type MockEngine struct {
	server *httptest.Server

	mu                 sync.RWMutex
	responses          map[string]*MockQueryResponse
	rejectedParameters map[string]string
	statuses           map[string]string
	canceled           map[string]bool
	queryIDs           []string
	requests           []RecordedRequest
	accountID          string
}

// NewMockEngine creates and starts a new mock engine. Callers must Close it.
func NewMockEngine() *MockEngine {
	engine := &MockEngine{
		responses:          make(map[string]*MockQueryResponse),
		rejectedParameters: make(map[string]string),
		statuses:           make(map[string]string),
		canceled:           make(map[string]bool),
		requests:           make([]RecordedRequest, 0),
		accountID:          "mock-account-id",
	}
	engine.server = httptest.NewServer(http.HandlerFunc(engine.handle))
	return engine
}

// Close shuts the mock engine down
func (m *MockEngine) Close() {
	m.server.Close()
}

// URL returns the mock engine's endpoint
func (m *MockEngine) URL() string {
	return m.server.URL
}

// SetQueryResponse configures the response returned for an exact query text.
// Unconfigured queries succeed with an empty DDL response.
func (m *MockEngine) SetQueryResponse(sql string, statusCode int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.responses[sql] = &MockQueryResponse{
		StatusCode: statusCode,
		Body:       body,
	}
}

// RejectParameter makes any query carrying the named request parameter fail
// with a 400 response, simulating an engine that rejects a SET probe.
func (m *MockEngine) RejectParameter(name, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rejectedParameters[name] = message
}

// SetQueryStatus configures the status text returned for a query id on the
// status endpoint. Unknown ids return an empty status.
func (m *MockEngine) SetQueryStatus(queryID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.statuses[queryID] = status
}

// QueueQueryID queues a query id to hand out for the next asynchronous
// submission. Without queued ids submissions return a generated id.
func (m *MockEngine) QueueQueryID(queryID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queryIDs = append(m.queryIDs, queryID)
}

// Canceled reports whether a cancel request was received for the query id
func (m *MockEngine) Canceled(queryID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.canceled[queryID]
}

// Requests returns a copy of all recorded requests for verification
func (m *MockEngine) Requests() []RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	requests := make([]RecordedRequest, len(m.requests))
	copy(requests, m.requests)
	return requests
}

// ClearRequests clears the recorded request history
func (m *MockEngine) ClearRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = make([]RecordedRequest, 0)
}

// recordRequest records a request for later verification
func (m *MockEngine) recordRequest(r *http.Request, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Body:   body,
	})
}

func (m *MockEngine) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	m.recordRequest(r, string(body))

	path := r.URL.Path
	switch {
	case path == oauthTokenPath:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token": "mock-access-token",
			"expires_in":   3600,
			"token_type":   "Bearer",
		})

	case strings.HasPrefix(path, "/web/v3/account/") && strings.HasSuffix(path, "/engineUrl"):
		writeJSON(w, http.StatusOK, map[string]string{"engineUrl": m.server.URL})

	case strings.HasPrefix(path, "/web/v3/account/") && strings.HasSuffix(path, "/resolve"):
		writeJSON(w, http.StatusOK, map[string]string{"id": m.accountID})

	case path == "/status":
		m.mu.RLock()
		status := m.statuses[r.URL.Query().Get("query_id")]
		m.mu.RUnlock()
		writeJSON(w, http.StatusOK, map[string]string{"status": status})

	case path == "/cancel":
		m.mu.Lock()
		m.canceled[r.URL.Query().Get("query_id")] = true
		m.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{})

	default:
		m.handleQuery(w, r, string(body))
	}
}

// handleQuery serves the root query endpoint
func (m *MockEngine) handleQuery(w http.ResponseWriter, r *http.Request, sql string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, message := range m.rejectedParameters {
		if r.URL.Query().Has(name) {
			http.Error(w, message, http.StatusBadRequest)
			return
		}
	}

	if r.URL.Query().Get("async_execution") == "1" {
		queryID := "mock-query-id"
		if len(m.queryIDs) > 0 {
			queryID = m.queryIDs[0]
			m.queryIDs = m.queryIDs[1:]
		}
		writeJSON(w, http.StatusOK, map[string]string{"query_id": queryID})
		return
	}

	if response, ok := m.responses[sql]; ok {
		w.WriteHeader(response.StatusCode)
		fmt.Fprint(w, response.Body)
		return
	}

	// Unconfigured queries succeed as DDL with no row data
	fmt.Fprint(w, "{}")
}

func writeJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

// SelectResponse builds a query response body with the given column schema
// and rows, in the shape the engine produces.
func SelectResponse(columns [][2]string, rows [][]interface{}) string {
	meta := make([]map[string]string, len(columns))
	for i, col := range columns {
		meta[i] = map[string]string{"name": col[0], "type": col[1]}
	}
	if rows == nil {
		rows = [][]interface{}{}
	}
	payload := map[string]interface{}{
		"meta": meta,
		"data": rows,
		"rows": len(rows),
		"statistics": map[string]interface{}{
			"elapsed":               0.01,
			"rows_read":             len(rows),
			"bytes_read":            1024,
			"time_before_execution": 0.001,
			"time_to_execute":       0.009,
		},
	}
	body, _ := json.Marshal(payload)
	return string(body)
}

// ConnectMock opens a connection against a mock engine. The mock serves both
// the control plane and the engine endpoint, so the connection behaves as a
// system engine connection.
func ConnectMock(t *testing.T, engine *MockEngine, options ...Option) *Connection {
	t.Helper()

	options = append([]Option{
		WithAccountName("mock-account"),
		WithAuth(ClientCredentials{ClientID: "mock-id", ClientSecret: "mock-secret"}),
		WithAPIEndpoint(engine.URL()),
	}, options...)

	conn, err := Connect(context.Background(), options...)
	if err != nil {
		t.Fatalf("failed to connect to mock engine: %v", err)
	}
	return conn
}

// AssertRequestMade verifies that a request was made to the given path
func AssertRequestMade(t *testing.T, engine *MockEngine, method, path string) {
	t.Helper()

	for _, req := range engine.Requests() {
		if req.Method == method && req.Path == path {
			return
		}
	}
	t.Errorf("Expected %s request to %s was not made. Request history: %+v", method, path, engine.Requests())
}
