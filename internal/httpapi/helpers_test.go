package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rmacedo/fieldsync/internal/auth"
	"github.com/rmacedo/fieldsync/internal/blobstore"
	"github.com/rmacedo/fieldsync/internal/db"
	"github.com/rmacedo/fieldsync/internal/syncx"
)

// stepClock advances 1s per reading so every apply gets a distinct,
// ordered server timestamp.
type stepClock struct{ ms int64 }

func (c *stepClock) NowMs() int64 {
	c.ms += 1000
	return c.ms
}

// testEnv is a live-Postgres harness. Tests using it are skipped unless
// TEST_DATABASE_URL points at a scratch database.
type testEnv struct {
	pool    *pgxpool.Pool
	srv     *httptest.Server
	tenantA string
	tenantB string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect to test database: %v", err)
	}
	if err := db.EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if _, err := pool.Exec(ctx,
		`TRUNCATE sync_record, applied_op, blob, app_user, tenant CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	env := &testEnv{pool: pool}
	if err := pool.QueryRow(ctx,
		`INSERT INTO tenant (name) VALUES ('acme-norte') RETURNING id`).Scan(&env.tenantA); err != nil {
		t.Fatalf("seed tenant A: %v", err)
	}
	if err := pool.QueryRow(ctx,
		`INSERT INTO tenant (name) VALUES ('acme-sul') RETURNING id`).Scan(&env.tenantB); err != nil {
		t.Fatalf("seed tenant B: %v", err)
	}
	if _, err := pool.Exec(ctx,
		`INSERT INTO app_user (sub, tenant_id) VALUES ('dev-a', $1), ('dev-b', $2)`,
		env.tenantA, env.tenantB); err != nil {
		t.Fatalf("seed users: %v", err)
	}

	blobs, err := blobstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("create blob store: %v", err)
	}

	s := &Server{DB: pool, Blobs: blobs, Clock: &stepClock{ms: 1_000_000}}
	env.srv = httptest.NewServer(s.Routes(auth.JWTCfg{HS256Secret: "test-secret", DevMode: true}))
	t.Cleanup(func() {
		env.srv.Close()
		pool.Close()
	})
	return env
}

// do issues a request authenticated via the dev-mode X-Debug-Sub header.
func (e *testEnv) do(t *testing.T, sub, method, path string, body io.Reader,
	headers map[string]string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, e.srv.URL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if sub != "" {
		req.Header.Set("X-Debug-Sub", sub)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (e *testEnv) push(t *testing.T, sub string, ops ...syncx.Operation) syncx.PushResponse {
	t.Helper()

	b, err := json.Marshal(syncx.PushRequest{Ops: ops})
	if err != nil {
		t.Fatalf("marshal push: %v", err)
	}
	resp := e.do(t, sub, http.MethodPost, "/v1/sync/push", bytes.NewReader(b),
		map[string]string{"Content-Type": "application/json"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("push returned %d: %s", resp.StatusCode, body)
	}
	var out syncx.PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode push response: %v", err)
	}
	if len(out.Outcomes) != len(ops) {
		t.Fatalf("%d outcomes for %d ops", len(out.Outcomes), len(ops))
	}
	return out
}

func (e *testEnv) pull(t *testing.T, sub, query string) syncx.PullResponse {
	t.Helper()

	path := "/v1/sync/pull"
	if query != "" {
		path += "?" + query
	}
	resp := e.do(t, sub, http.MethodGet, path, nil, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("pull returned %d: %s", resp.StatusCode, body)
	}
	var out syncx.PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode pull response: %v", err)
	}
	return out
}
