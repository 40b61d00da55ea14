// Package ember provides a Go client library for running SQL queries against
// Ember engines over HTTP.
//
// The client handles service account authentication, engine resolution through
// the account's system engine, statement preparation with parameter
// substitution, and decoding of typed result rows. Connections hand out
// cursors, which hold per-session SET parameters and buffer the results of
// the statements they execute.
//
// # Basic Usage
//
//	conn, err := ember.Connect(context.Background(),
//		ember.WithAccountName("my-account"),
//		ember.WithAuth(ember.ClientCredentials{
//			ClientID:     os.Getenv("EMBER_CLIENT_ID"),
//			ClientSecret: os.Getenv("EMBER_CLIENT_SECRET"),
//		}),
//		ember.WithEngineName("my_engine"),
//		ember.WithDatabase("my_database"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer conn.Close()
//
//	cursor, err := conn.Cursor()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer cursor.Close()
//
//	if _, err := cursor.Execute(ctx, "SELECT id, name FROM users WHERE id > ?", []interface{}{42}); err != nil {
//		log.Fatal(err)
//	}
//	rows, err := cursor.Fetchall()
//
// # Error Handling
//
// Failures carry a structured error type identifying their category:
//
//	if _, err := cursor.Execute(ctx, query, nil); err != nil {
//		if ember.IsEngineNotRunningError(err) {
//			log.Println("start the engine first")
//		} else if ember.IsProgrammingError(err) {
//			log.Printf("bad query: %v", err)
//		} else {
//			log.Printf("other error: %v", err)
//		}
//	}
//
// # Thread Safety
//
// Connections and cursors may be shared across goroutines. Executions on a
// cursor are serialized; fetches against a completed result may run
// concurrently and return disjoint, order-preserving row batches.
//
// For use with the standard database/sql package, see the sqldriver
// subpackage.
package ember
