package ember

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newGatewayServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == oauthTokenPath {
			json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "t", "expires_in": 3600})
			return
		}
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestSystemEngineURL(t *testing.T) {
	server := newGatewayServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/web/v3/account/my-account/engineUrl" {
			t.Errorf("Unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"engineUrl": "https://system.example.com"})
	})

	client := NewClient(server.URL, server.URL, "my-account",
		ClientCredentials{ClientID: "id", ClientSecret: "secret"})
	engineURL, err := systemEngineURL(context.Background(), client)
	if err != nil {
		t.Fatalf("systemEngineURL returned error: %v", err)
	}
	if engineURL != "https://system.example.com" {
		t.Errorf("Expected https://system.example.com, got %q", engineURL)
	}
}

func TestSystemEngineURLAccountNotFound(t *testing.T) {
	server := newGatewayServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	client := NewClient(server.URL, server.URL, "ghost",
		ClientCredentials{ClientID: "id", ClientSecret: "secret"})
	if _, err := systemEngineURL(context.Background(), client); !IsAccountNotFoundError(err) {
		t.Errorf("Expected an account-not-found error, got %v", err)
	}
}

func TestSystemEngineURLServerError(t *testing.T) {
	server := newGatewayServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	client := NewClient(server.URL, server.URL, "acc",
		ClientCredentials{ClientID: "id", ClientSecret: "secret"})
	if _, err := systemEngineURL(context.Background(), client); !IsInterfaceError(err) {
		t.Errorf("Expected an interface error, got %v", err)
	}
}

func TestSystemEngineURLMissingField(t *testing.T) {
	server := newGatewayServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	})

	client := NewClient(server.URL, server.URL, "acc",
		ClientCredentials{ClientID: "id", ClientSecret: "secret"})
	if _, err := systemEngineURL(context.Background(), client); !IsInterfaceError(err) {
		t.Errorf("Expected an interface error for a missing engineUrl, got %v", err)
	}
}

func TestEngineNameFromURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected string
	}{
		{"hyphenated", "https://my-engine.env.ember.io", "my_engine"},
		{"plain", "https://engine.env.ember.io", "engine"},
		{"no scheme", "my-engine.env.ember.io", "my_engine"},
		{"with port", "https://fast-one.env.ember.io:8443", "fast_one"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engineNameFromURL(tt.url)
			if err != nil {
				t.Fatalf("engineNameFromURL returned error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("engineNameFromURL(%q) = %q, expected %q", tt.url, got, tt.expected)
			}
		})
	}
}

func TestIsEngineRunningOnSystemConnection(t *testing.T) {
	engine := NewMockEngine()
	defer engine.Close()

	conn := ConnectMock(t, engine)
	defer conn.Close()

	// The system engine is always considered running
	running, err := isEngineRunning(context.Background(), conn)
	if err != nil {
		t.Fatalf("isEngineRunning returned error: %v", err)
	}
	if !running {
		t.Error("System engine should always report running")
	}
}

func TestIsDatabaseAvailable(t *testing.T) {
	engine := NewMockEngine()
	defer engine.Close()
	engine.SetQueryResponse(
		"SELECT database_name FROM information_schema.databases WHERE database_name='present'",
		http.StatusOK,
		SelectResponse([][2]string{{"database_name", "text"}}, [][]interface{}{{"present"}}),
	)
	engine.SetQueryResponse(
		"SELECT database_name FROM information_schema.databases WHERE database_name='absent'",
		http.StatusOK,
		SelectResponse([][2]string{{"database_name", "text"}}, nil),
	)

	conn := ConnectMock(t, engine)
	defer conn.Close()

	available, err := isDatabaseAvailable(context.Background(), conn, "present")
	if err != nil {
		t.Fatalf("isDatabaseAvailable returned error: %v", err)
	}
	if !available {
		t.Error("Expected database 'present' to be available")
	}

	available, err = isDatabaseAvailable(context.Background(), conn, "absent")
	if err != nil {
		t.Fatalf("isDatabaseAvailable returned error: %v", err)
	}
	if available {
		t.Error("Expected database 'absent' to be unavailable")
	}
}
