package ember

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// engineStatusRunning is the catalog status of an engine that accepts
// queries. The comparison is case sensitive.
const engineStatusRunning = "Running"

const (
	engineByNameQuery = "SELECT url, attached_to, status FROM information_schema.engines WHERE engine_name=?"
	databaseQuery     = "SELECT database_name FROM information_schema.databases WHERE database_name=?"
)

// systemEngineURL resolves the account's system engine endpoint through the
// control-plane gateway.
func systemEngineURL(ctx context.Context, client *Client) (string, error) {
	target := client.apiEndpoint + fmt.Sprintf(accountEngineURLPath, url.PathEscape(client.accountName))
	resp, err := client.do(ctx, http.MethodGet, target, nil, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", NewError(ErrorTypeAccountNotFound,
			fmt.Sprintf("account %q does not exist in this organization", client.accountName))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", NewInterfaceError(fmt.Sprintf(
			"unable to resolve system engine URL for account %q: %d %s",
			client.accountName, resp.StatusCode, body), resp.StatusCode)
	}

	var payload struct {
		EngineURL string `json:"engineUrl"`
	}
	if err := decodeJSONBody(resp.Body, &payload); err != nil {
		return "", NewErrorWithCause(ErrorTypeInterface, "failed to parse system engine URL response", err)
	}
	if payload.EngineURL == "" {
		return "", NewInterfaceError("system engine URL response is missing an engineUrl", resp.StatusCode)
	}
	return payload.EngineURL, nil
}

// catalogRow runs a single-statement catalog query on a throwaway cursor and
// returns its first row, or nil when the query matched nothing.
func catalogRow(ctx context.Context, conn *Connection, query string, args ...interface{}) ([]Value, error) {
	cursor := newCursor(conn.client, conn)
	defer cursor.Close()
	if _, err := cursor.Execute(ctx, query, args); err != nil {
		return nil, err
	}
	return cursor.Fetchone()
}

// probeConnection derives the connection control-plane probes run on: the
// system connection when one is held, with no database bound so a failing
// probe cannot recurse into another database check.
func probeConnection(conn *Connection) *Connection {
	base := conn
	if conn.systemConnection != nil {
		base = conn.systemConnection
	}
	return &Connection{
		client:           base.client,
		engineURL:        base.engineURL,
		systemConnection: base.systemConnection,
	}
}

// engineByName looks up an engine in the system engine catalog, returning its
// endpoint, catalog status and attached database.
func engineByName(ctx context.Context, systemConnection *Connection, name string) (engineURL, status, attachedDB string, err error) {
	row, err := catalogRow(ctx, systemConnection, engineByNameQuery, name)
	if err != nil {
		return "", "", "", err
	}
	if row == nil {
		return "", "", "", NewError(ErrorTypeEngineNotFound,
			fmt.Sprintf("engine with name %s doesn't exist in this account", name))
	}
	engineURL, _ = row[0].(string)
	attachedDB, _ = row[1].(string)
	status, _ = row[2].(string)
	if engineURL == "" {
		return "", "", "", NewOperationalError(
			fmt.Sprintf("engine %s has no URL in the system engine catalog", name))
	}
	return engineURL, status, attachedDB, nil
}

// isDatabaseAvailable reports whether the database exists, checked through
// the system engine catalog.
func isDatabaseAvailable(ctx context.Context, conn *Connection, database string) (bool, error) {
	row, err := catalogRow(ctx, probeConnection(conn), databaseQuery, database)
	if err != nil {
		return false, err
	}
	return row != nil, nil
}

// isEngineRunning reports whether the connection's engine is running. The
// system engine is always available; user engines are looked up in the
// catalog by the name derived from their endpoint host.
func isEngineRunning(ctx context.Context, conn *Connection) (bool, error) {
	if conn.isSystem() {
		return true, nil
	}
	engineName, err := engineNameFromURL(conn.engineURL)
	if err != nil {
		return false, err
	}
	_, status, _, err := engineByName(ctx, probeConnection(conn), engineName)
	if err != nil {
		return false, err
	}
	return status == engineStatusRunning, nil
}

// engineNameFromURL derives the catalog engine name from an engine endpoint:
// the first host label, with hyphens mapped back to underscores.
func engineNameFromURL(engineURL string) (string, error) {
	parsed, err := url.Parse(fixURLScheme(engineURL))
	if err != nil || parsed.Hostname() == "" {
		return "", NewInterfaceError(
			fmt.Sprintf("unable to derive an engine name from URL %q", engineURL), 0)
	}
	label := strings.Split(parsed.Hostname(), ".")[0]
	return strings.ReplaceAll(label, "-", "_"), nil
}
