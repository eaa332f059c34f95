package infra

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestMigrationURL(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost:5432/allowance":   "pgx5://u:p@localhost:5432/allowance",
		"postgresql://u:p@localhost:5432/allowance": "pgx5://u:p@localhost:5432/allowance",
		"pgx5://already":                            "pgx5://already",
	}
	for in, want := range cases {
		if got := migrationURL(in); got != want {
			t.Fatalf("migrationURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	var ups int
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			ups++
		}
	}
	if ups != 2 {
		t.Fatalf("expected 2 up migrations, got %d", ups)
	}
}

func rpcServer(t *testing.T, chainIDHex string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		_ = json.Unmarshal(body, &req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": chainIDHex})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewEthClientChecksChainID(t *testing.T) {
	srv := rpcServer(t, "0x14a34")

	client, err := NewEthClient(context.Background(), srv.URL, 84532)
	if err != nil {
		t.Fatalf("NewEthClient: %v", err)
	}
	client.Close()

	if _, err := NewEthClient(context.Background(), srv.URL, 1); err == nil {
		t.Fatal("expected chain id mismatch to fail")
	}
}

func TestNewRedisClientAcceptsBareAddress(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	for _, url := range []string{mr.Addr(), "redis://" + mr.Addr() + "/0"} {
		client, err := NewRedisClient(context.Background(), url)
		if err != nil {
			t.Fatalf("NewRedisClient(%q): %v", url, err)
		}
		client.Close()
	}

	if _, err := NewRedisClient(context.Background(), ""); err == nil {
		t.Fatal("expected empty url to fail")
	}
}
