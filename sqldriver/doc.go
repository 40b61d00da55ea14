// Package sqldriver implements a database/sql/driver for Ember engines on
// top of the ember client library.
//
// The driver delegates connection management, authentication and engine
// resolution to an *ember.Connection established by the application, so the
// DSN passed to sql.Open is ignored.
//
// Usage:
//
//  1. Import the package. This registers the driver under the name "ember".
//     import _ "github.com/emberdata/ember-go/sqldriver"
//
//  2. Establish a connection with the ember package and either register it
//     globally before calling sql.Open:
//
//     sqldriver.SetConnection(conn)
//     db, err := sql.Open("ember", "")
//
//     or hand it to sql.OpenDB through a connector:
//
//     db := sql.OpenDB(sqldriver.NewConnector(conn))
//
//  3. Use the *sql.DB object as usual. Placeholder parameters use the '?'
//     syntax of the underlying client.
//
// Limitations:
//
//   - The engine has no transactions; Begin returns an error and Commit is
//     never reached through database/sql.
//   - LastInsertId is not supported.
//   - Decimal column values scan as their string representation; array
//     column values scan as JSON-encoded strings.
package sqldriver
