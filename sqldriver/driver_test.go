package sqldriver

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"testing"

	"github.com/jmoiron/sqlx"

	ember "github.com/emberdata/ember-go"
)

func setupDB(t *testing.T) (*sqlx.DB, *ember.MockEngine) {
	t.Helper()
	engine := ember.NewMockEngine()
	t.Cleanup(engine.Close)

	conn := ember.ConnectMock(t, engine)
	t.Cleanup(func() { conn.Close() })

	db := sqlx.NewDb(sql.OpenDB(NewConnector(conn)), driverName)
	t.Cleanup(func() { db.Close() })
	return db, engine
}

func TestDriverQuery(t *testing.T) {
	db, engine := setupDB(t)
	engine.SetQueryResponse("SELECT id, name FROM users", http.StatusOK, ember.SelectResponse(
		[][2]string{{"id", "int"}, {"name", "text"}},
		[][]interface{}{{1, "alice"}, {2, "bob"}},
	))

	type user struct {
		ID   int64  `db:"id"`
		Name string `db:"name"`
	}
	var users []user
	if err := db.Select(&users, "SELECT id, name FROM users"); err != nil {
		t.Fatalf("Select returned error: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("Expected 2 users, got %d", len(users))
	}
	if users[0].ID != 1 || users[0].Name != "alice" {
		t.Errorf("First user mismatch: %+v", users[0])
	}
	if users[1].ID != 2 || users[1].Name != "bob" {
		t.Errorf("Second user mismatch: %+v", users[1])
	}
}

func TestDriverQueryWithParams(t *testing.T) {
	db, engine := setupDB(t)
	// Placeholders are substituted client-side before the query goes out
	engine.SetQueryResponse("SELECT name FROM users WHERE id = 7", http.StatusOK, ember.SelectResponse(
		[][2]string{{"name", "text"}},
		[][]interface{}{{"greta"}},
	))

	var name string
	if err := db.Get(&name, "SELECT name FROM users WHERE id = ?", 7); err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if name != "greta" {
		t.Errorf("Expected greta, got %q", name)
	}
}

func TestDriverExec(t *testing.T) {
	db, _ := setupDB(t)

	result, err := db.Exec("CREATE TABLE t (x int)")
	if err != nil {
		t.Fatalf("Exec returned error: %v", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		t.Fatalf("RowsAffected returned error: %v", err)
	}
	if affected != 0 {
		t.Errorf("DDL should report 0 rows affected, got %d", affected)
	}
	if _, err := result.LastInsertId(); err == nil {
		t.Error("LastInsertId should not be supported")
	}
}

func TestDriverNullValues(t *testing.T) {
	db, engine := setupDB(t)
	engine.SetQueryResponse("SELECT name FROM users", http.StatusOK, ember.SelectResponse(
		[][2]string{{"name", "text null"}},
		[][]interface{}{{nil}},
	))

	var name sql.NullString
	if err := db.Get(&name, "SELECT name FROM users"); err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if name.Valid {
		t.Errorf("Expected NULL, got %+v", name)
	}
}

func TestDriverDecimalScansAsString(t *testing.T) {
	db, engine := setupDB(t)
	engine.SetQueryResponse("SELECT amount FROM payments", http.StatusOK, ember.SelectResponse(
		[][2]string{{"amount", "decimal(10, 2)"}},
		[][]interface{}{{"123.45"}},
	))

	var amount string
	if err := db.Get(&amount, "SELECT amount FROM payments"); err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if amount != "123.45" {
		t.Errorf("Expected 123.45, got %q", amount)
	}
}

func TestDriverArrayScansAsJSON(t *testing.T) {
	db, engine := setupDB(t)
	engine.SetQueryResponse("SELECT tags FROM posts", http.StatusOK, ember.SelectResponse(
		[][2]string{{"tags", "array(int)"}},
		[][]interface{}{{[]interface{}{1, 2, 3}}},
	))

	var tags string
	if err := db.Get(&tags, "SELECT tags FROM posts"); err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if tags != "[1,2,3]" {
		t.Errorf("Expected [1,2,3], got %q", tags)
	}
}

func TestDriverBegin(t *testing.T) {
	db, _ := setupDB(t)
	if _, err := db.Begin(); err == nil {
		t.Error("Begin should fail: the engine has no transactions")
	}
}

func TestDriverPing(t *testing.T) {
	db, _ := setupDB(t)
	if err := db.Ping(); err != nil {
		t.Errorf("Ping returned error: %v", err)
	}
}

func TestConnStatementRegistry(t *testing.T) {
	engine := ember.NewMockEngine()
	t.Cleanup(engine.Close)
	conn := ember.ConnectMock(t, engine)
	t.Cleanup(func() { conn.Close() })

	dc, err := NewConnector(conn).Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	c := dc.(*Conn)

	first, err := c.Prepare("SELECT 1")
	if err != nil {
		t.Fatalf("Prepare returned error: %v", err)
	}
	second, err := c.Prepare("SELECT 2")
	if err != nil {
		t.Fatalf("Prepare returned error: %v", err)
	}
	stmt1, stmt2 := first.(*Stmt), second.(*Stmt)
	if stmt1.id == stmt2.id {
		t.Fatal("Prepared statements should get distinct ids")
	}

	c.mu.Lock()
	if len(c.stmts) != 2 || c.stmts[stmt1.id] != stmt1 || c.stmts[stmt2.id] != stmt2 {
		t.Errorf("Registry should track both statements by id, got %v", c.stmts)
	}
	c.mu.Unlock()

	if err := stmt1.Close(); err != nil {
		t.Fatalf("Stmt.Close returned error: %v", err)
	}
	c.mu.Lock()
	if _, ok := c.stmts[stmt1.id]; ok || len(c.stmts) != 1 {
		t.Errorf("Closed statement should be deregistered, got %v", c.stmts)
	}
	c.mu.Unlock()

	// Closing the connection closes the cursors of the remaining statements
	if err := c.Close(); err != nil {
		t.Fatalf("Conn.Close returned error: %v", err)
	}
	if !stmt2.cursor.Closed() {
		t.Error("Conn.Close should close registered statement cursors")
	}
}

func TestRowsResultSetTracking(t *testing.T) {
	engine := ember.NewMockEngine()
	t.Cleanup(engine.Close)
	engine.SetQueryResponse("SELECT 1", http.StatusOK, ember.SelectResponse(
		[][2]string{{"a", "int"}}, [][]interface{}{{1}}))
	engine.SetQueryResponse("SELECT 2", http.StatusOK, ember.SelectResponse(
		[][2]string{{"b", "int"}}, [][]interface{}{{2}}))

	conn := ember.ConnectMock(t, engine)
	t.Cleanup(func() { conn.Close() })

	dc, err := NewConnector(conn).Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	stmt, err := dc.(*Conn).Prepare("SELECT 1; SELECT 2")
	if err != nil {
		t.Fatalf("Prepare returned error: %v", err)
	}
	rows, err := stmt.(*Stmt).Query(nil)
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	r := rows.(*queryRows)

	if !r.HasNextResultSet() {
		t.Error("A second result set should be reported")
	}
	if err := r.NextResultSet(); err != nil {
		t.Fatalf("NextResultSet returned error: %v", err)
	}
	if r.HasNextResultSet() {
		t.Error("No result set follows the last one")
	}
	if err := r.NextResultSet(); err != io.EOF {
		t.Errorf("NextResultSet past the last set should return io.EOF, got %v", err)
	}
}

func TestDriverGlobalConnection(t *testing.T) {
	engine := ember.NewMockEngine()
	t.Cleanup(engine.Close)

	conn := ember.ConnectMock(t, engine)
	t.Cleanup(func() { conn.Close() })
	SetConnection(conn)
	t.Cleanup(func() { SetConnection(nil) })

	engine.SetQueryResponse("SELECT 1", http.StatusOK, ember.SelectResponse(
		[][2]string{{"one", "int"}},
		[][]interface{}{{1}},
	))

	db, err := sql.Open(driverName, "")
	if err != nil {
		t.Fatalf("sql.Open returned error: %v", err)
	}
	defer db.Close()

	var one int64
	if err := db.QueryRow("SELECT 1").Scan(&one); err != nil {
		t.Fatalf("QueryRow returned error: %v", err)
	}
	if one != 1 {
		t.Errorf("Expected 1, got %d", one)
	}
}

func TestDriverOpenWithoutConnection(t *testing.T) {
	SetConnection(nil)
	db, err := sql.Open(driverName, "")
	if err != nil {
		t.Fatalf("sql.Open returned error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err == nil {
		t.Error("Operations without a registered connection should fail")
	}
}
