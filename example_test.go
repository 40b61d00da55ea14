package ember_test

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	ember "github.com/emberdata/ember-go"
)

func ExampleConnect() {
	ctx := context.Background()

	// Connect to a named engine; its endpoint is resolved through the
	// account's system engine.
	conn, err := ember.Connect(ctx,
		ember.WithAccountName("my-account"),
		ember.WithAuth(ember.ClientCredentials{
			ClientID:     os.Getenv("EMBER_CLIENT_ID"),
			ClientSecret: os.Getenv("EMBER_CLIENT_SECRET"),
		}),
		ember.WithEngineName("my_engine"),
		ember.WithDatabase("my_database"),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	cursor, err := conn.Cursor()
	if err != nil {
		log.Fatal(err)
	}
	defer cursor.Close()

	if _, err := cursor.Execute(ctx, "SELECT id, name FROM users WHERE id > ?", []interface{}{42}); err != nil {
		log.Fatal(err)
	}

	rows, err := cursor.Fetchall()
	if err != nil {
		log.Fatal(err)
	}
	for _, row := range rows {
		fmt.Println(row...)
	}
}

func ExampleConnect_withOptions() {
	conn, err := ember.Connect(context.Background(),
		ember.WithAccountName("my-account"),
		ember.WithAuth(ember.ClientCredentials{ClientID: "id", ClientSecret: "secret"}),
		ember.WithConnectHTTPClient(&http.Client{Timeout: 2 * time.Minute}),
		ember.WithConnectUserAgent("my-service/1.0"),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()
}

func ExampleCursor_ExecuteAsync() {
	ctx := context.Background()
	conn, err := ember.Connect(ctx,
		ember.WithAccountName("my-account"),
		ember.WithAuth(ember.ClientCredentials{ClientID: "id", ClientSecret: "secret"}),
		ember.WithEngineName("my_engine"),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	cursor, err := conn.Cursor()
	if err != nil {
		log.Fatal(err)
	}
	defer cursor.Close()

	// Submit a long-running statement for server-side execution
	queryID, err := cursor.ExecuteAsync(ctx, "INSERT INTO archive SELECT * FROM events", nil)
	if err != nil {
		log.Fatal(err)
	}

	// Poll until the query finishes
	for {
		status, err := cursor.GetStatus(ctx, queryID)
		if err != nil {
			log.Fatal(err)
		}
		if status == ember.QueryStatusEndedSuccessfully {
			break
		}
		if status == ember.QueryStatusExecutionError || status == ember.QueryStatusCanceledExecution {
			log.Fatalf("query failed with status %s", status)
		}
		time.Sleep(time.Second)
	}
}

func ExampleCursor_errorHandling() {
	ctx := context.Background()
	conn, err := ember.Connect(ctx,
		ember.WithAccountName("my-account"),
		ember.WithAuth(ember.ClientCredentials{ClientID: "id", ClientSecret: "secret"}),
		ember.WithEngineName("my_engine"),
	)
	if err != nil {
		switch {
		case ember.IsAccountNotFoundError(err):
			log.Fatal("check the account name")
		case ember.IsEngineNotRunningError(err):
			log.Fatal("start the engine first")
		default:
			log.Fatal(err)
		}
	}
	defer conn.Close()
}
