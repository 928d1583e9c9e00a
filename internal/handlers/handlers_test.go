package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tphummel/node_heartbeat/internal/db"
	"github.com/tphummel/node_heartbeat/internal/handlers"
	"github.com/tphummel/node_heartbeat/internal/models"
)

const apiToken = "test-token"

// newTestMux builds the same mux as cmd/server, backed by an in-memory DB.
// It returns both the mux (for serving requests) and the DB (for inspection).
func newTestMux(t *testing.T) (http.Handler, *db.SQLite) {
	t.Helper()
	d, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	h := &handlers.Handler{DB: d, Version: "test", Commit: "abc123"}
	return h.Routes(apiToken, nil), d
}

// stepClock advances one second per call so successive heartbeats order
// strictly.
func stepClock() func() time.Time {
	var mu sync.Mutex
	next := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := next
		next = next.Add(time.Second)
		return t
	}
}

// failingStore fails every operation.
type failingStore struct{ err error }

func (f failingStore) Upsert(context.Context, *models.Node) error { return f.err }

func (f failingStore) Get(context.Context, string) (*models.Node, error) { return nil, f.err }

func (f failingStore) List(context.Context) ([]*models.Node, error) { return nil, f.err }

func (f failingStore) Ping(context.Context) error { return f.err }

func (f failingStore) Close() error { return nil }

func postHeartbeat(body []byte) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/heartbeat", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

// authReq builds a request with the test Bearer token already attached.
func authReq(method, path string) *http.Request {
	r := httptest.NewRequest(method, path, nil)
	r.Header.Set("Authorization", "Bearer "+apiToken)
	return r
}

func serve(mux http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response body: %v\nbody: %s", err, w.Body.String())
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// --- Health ---

func TestHealth(t *testing.T) {
	mux, _ := newTestMux(t)
	w := serve(mux, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	decodeBody(t, w, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "abc123", body["commit"])
}

func TestHealth_StoreDown(t *testing.T) {
	h := &handlers.Handler{DB: failingStore{err: errors.New("connection refused")}}
	w := serve(h.Routes("", nil), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body map[string]string
	decodeBody(t, w, &body)
	assert.Equal(t, "unavailable", body["status"])
	assert.Equal(t, "store unreachable", body["error"])
	assert.NotContains(t, w.Body.String(), "connection refused")
}

// --- Heartbeat ---

func TestHeartbeat_NewNode(t *testing.T) {
	mux, d := newTestMux(t)
	before := time.Now().UTC()

	body := []byte(`{"node_name":"n1","zpool_name":"tank","total_space":1000,"available_space":800}`)
	w := serve(mux, postHeartbeat(body))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp map[string]string
	decodeBody(t, w, &resp)
	assert.Equal(t, "Node registered/updated successfully", resp["message"])
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	got, err := d.Get(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "tank", *got.ZpoolName)
	assert.Equal(t, int64(1000), *got.TotalSpace)
	assert.Equal(t, int64(800), *got.AvailableSpace)
	assert.False(t, got.LastHeartbeat.Before(before), "last_heartbeat %v before request time %v", got.LastHeartbeat, before)
}

func TestHeartbeat_UpdatesExistingNode(t *testing.T) {
	mux, d := newTestMux(t)
	d.SetClock(stepClock())
	ctx := context.Background()

	w := serve(mux, postHeartbeat([]byte(`{"node_name":"n1","zpool_name":"tank","total_space":1000,"available_space":800}`)))
	require.Equal(t, http.StatusOK, w.Code)
	first, err := d.Get(ctx, "n1")
	require.NoError(t, err)

	w = serve(mux, postHeartbeat([]byte(`{"node_name":"n1","zpool_name":"tank","total_space":1000,"available_space":600}`)))
	require.Equal(t, http.StatusOK, w.Code)
	second, err := d.Get(ctx, "n1")
	require.NoError(t, err)

	assert.Equal(t, "n1", second.NodeName)
	assert.Equal(t, "tank", *second.ZpoolName)
	assert.Equal(t, int64(1000), *second.TotalSpace)
	assert.Equal(t, int64(600), *second.AvailableSpace)
	assert.True(t, second.LastHeartbeat.After(first.LastHeartbeat))

	nodes, err := d.List(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestHeartbeat_IdenticalPayloadTwice(t *testing.T) {
	mux, d := newTestMux(t)
	d.SetClock(stepClock())
	ctx := context.Background()
	body := []byte(`{"node_name":"n1","zpool_name":"tank","total_space":1000,"available_space":800}`)

	require.Equal(t, http.StatusOK, serve(mux, postHeartbeat(body)).Code)
	first, err := d.Get(ctx, "n1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, serve(mux, postHeartbeat(body)).Code)

	nodes, err := d.List(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, *first.ZpoolName, *nodes[0].ZpoolName)
	assert.Equal(t, *first.TotalSpace, *nodes[0].TotalSpace)
	assert.Equal(t, *first.AvailableSpace, *nodes[0].AvailableSpace)
	assert.True(t, nodes[0].LastHeartbeat.After(first.LastHeartbeat))
}

func TestHeartbeat_OptionalFieldsAbsent(t *testing.T) {
	mux, d := newTestMux(t)

	w := serve(mux, postHeartbeat([]byte(`{"node_name":"bare"}`)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got, err := d.Get(context.Background(), "bare")
	require.NoError(t, err)
	assert.Nil(t, got.ZpoolName)
	assert.Nil(t, got.TotalSpace)
	assert.Nil(t, got.AvailableSpace)
}

func TestHeartbeat_AvailableExceedsTotalAccepted(t *testing.T) {
	mux, _ := newTestMux(t)
	w := serve(mux, postHeartbeat([]byte(`{"node_name":"odd","total_space":10,"available_space":20}`)))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHeartbeat_TrailingWhitespaceAccepted(t *testing.T) {
	mux, d := newTestMux(t)
	w := serve(mux, postHeartbeat([]byte("{\"node_name\":\"n1\"}\n  \n")))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	_, err := d.Get(context.Background(), "n1")
	require.NoError(t, err)
}

func TestHeartbeat_BadRequests(t *testing.T) {
	tests := []struct {
		name    string
		body    []byte
		wantErr string
	}{
		{"missing node_name", []byte(`{"zpool_name":"tank","total_space":1000,"available_space":800}`), "node_name is required"},
		{"empty node_name", []byte(`{"node_name":""}`), "node_name is required"},
		{"null body", []byte(`null`), "node_name is required"},
		{"empty object", []byte(`{}`), "node_name is required"},
		{"empty body", []byte{}, "invalid JSON"},
		{"not json", []byte("not-json"), "invalid JSON"},
		{"array body", []byte(`[]`), "invalid JSON"},
		{"string total_space", []byte(`{"node_name":"n1","total_space":"big"}`), "invalid JSON"},
		{"fractional available_space", []byte(`{"node_name":"n1","available_space":1.5}`), "invalid JSON"},
		{"numeric node_name", []byte(`{"node_name":42}`), "invalid JSON"},
		{"trailing garbage", []byte(`{"node_name":"n1","zpool_name":"tank","total_space":1000,"available_space":800} garbage`), "invalid JSON"},
		{"concatenated objects", []byte(`{"node_name":"n2"}{"node_name":"n3"}`), "invalid JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux, d := newTestMux(t)
			w := serve(mux, postHeartbeat(tt.body))

			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			var resp map[string]string
			decodeBody(t, w, &resp)
			assert.Equal(t, tt.wantErr, resp["error"])

			nodes, err := d.List(context.Background())
			require.NoError(t, err)
			assert.Empty(t, nodes, "no row may be written for a rejected request")
		})
	}
}

func TestHeartbeat_MissingNodeNameLeavesExistingRow(t *testing.T) {
	mux, d := newTestMux(t)
	require.Equal(t, http.StatusOK, serve(mux, postHeartbeat([]byte(`{"node_name":"n1","available_space":800}`))).Code)

	w := serve(mux, postHeartbeat([]byte(`{"available_space":1}`)))
	require.Equal(t, http.StatusBadRequest, w.Code)

	got, err := d.Get(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, int64(800), *got.AvailableSpace)
}

func TestHeartbeat_BodyTooLarge(t *testing.T) {
	mux, _ := newTestMux(t)
	big := fmt.Sprintf(`{"node_name":"n1","zpool_name":%q}`, strings.Repeat("x", 70*1024))
	w := serve(mux, postHeartbeat([]byte(big)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestHeartbeat_StoreFailure(t *testing.T) {
	h := &handlers.Handler{DB: failingStore{err: errors.New("connection lost")}}
	w := serve(h.Routes("", nil), postHeartbeat([]byte(`{"node_name":"n1"}`)))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var resp map[string]string
	decodeBody(t, w, &resp)
	assert.Equal(t, "failed to register node", resp["error"])
}

func TestHeartbeat_NoAuthRequired(t *testing.T) {
	// The mux is built with a token, yet reporting nodes never send one.
	mux, _ := newTestMux(t)
	w := serve(mux, postHeartbeat([]byte(`{"node_name":"n1"}`)))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHeartbeat_MethodNotAllowed(t *testing.T) {
	mux, _ := newTestMux(t)
	w := serve(mux, httptest.NewRequest(http.MethodGet, "/heartbeat", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHeartbeat_ConcurrentSameNode(t *testing.T) {
	d, err := db.New(filepath.Join(t.TempDir(), "nodes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	srv := httptest.NewServer((&handlers.Handler{DB: d}).Routes("", nil))
	t.Cleanup(srv.Close)

	payloads := []int64{600, 700}
	var wg sync.WaitGroup
	for _, avail := range payloads {
		wg.Add(1)
		go func(avail int64) {
			defer wg.Done()
			body := fmt.Sprintf(`{"node_name":"n1","zpool_name":"tank","total_space":1000,"available_space":%d}`, avail)
			resp, err := http.Post(srv.URL+"/heartbeat", "application/json", strings.NewReader(body))
			if !assert.NoError(t, err) {
				return
			}
			resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		}(avail)
	}
	wg.Wait()

	nodes, err := d.List(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Contains(t, payloads, *nodes[0].AvailableSpace)
}

// --- Read API ---

func TestProtectedRoutes_RequireAuth(t *testing.T) {
	mux, _ := newTestMux(t)

	for _, path := range []string{"/api/v1/nodes", "/api/v1/nodes/n1"} {
		t.Run(path, func(t *testing.T) {
			w := serve(mux, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestReadRoutes_OpenWithoutToken(t *testing.T) {
	d, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	mux := (&handlers.Handler{DB: d}).Routes("", nil)

	w := serve(mux, httptest.NewRequest(http.MethodGet, "/api/v1/nodes", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListNodes_Empty(t *testing.T) {
	mux, _ := newTestMux(t)
	w := serve(mux, authReq(http.MethodGet, "/api/v1/nodes"))

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestListNodes_ReturnsAll(t *testing.T) {
	mux, _ := newTestMux(t)

	for i := range 3 {
		body := mustJSON(t, map[string]any{
			"node_name":       fmt.Sprintf("nas%d", i),
			"zpool_name":      "tank",
			"total_space":     1000,
			"available_space": 100 * i,
		})
		require.Equal(t, http.StatusOK, serve(mux, postHeartbeat(body)).Code)
	}

	w := serve(mux, authReq(http.MethodGet, "/api/v1/nodes"))
	require.Equal(t, http.StatusOK, w.Code)
	var nodes []models.Node
	decodeBody(t, w, &nodes)
	require.Len(t, nodes, 3)
	assert.Equal(t, "nas0", nodes[0].NodeName)
	assert.Equal(t, int64(200), *nodes[2].AvailableSpace)
}

func TestGetNode_Found(t *testing.T) {
	mux, _ := newTestMux(t)
	require.Equal(t, http.StatusOK, serve(mux, postHeartbeat([]byte(`{"node_name":"pi01","zpool_name":"rpool","total_space":64,"available_space":32}`))).Code)

	w := serve(mux, authReq(http.MethodGet, "/api/v1/nodes/pi01"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var got models.Node
	decodeBody(t, w, &got)
	assert.Equal(t, "pi01", got.NodeName)
	assert.Equal(t, "rpool", *got.ZpoolName)
	assert.False(t, got.LastHeartbeat.IsZero())
}

func TestGetNode_NotFound(t *testing.T) {
	mux, _ := newTestMux(t)
	w := serve(mux, authReq(http.MethodGet, "/api/v1/nodes/ghost"))

	assert.Equal(t, http.StatusNotFound, w.Code)
	var body map[string]string
	decodeBody(t, w, &body)
	assert.Equal(t, "node not found", body["error"])
}

func TestGetNode_NullFieldsSerializeAsNull(t *testing.T) {
	mux, _ := newTestMux(t)
	require.Equal(t, http.StatusOK, serve(mux, postHeartbeat([]byte(`{"node_name":"bare"}`))).Code)

	w := serve(mux, authReq(http.MethodGet, "/api/v1/nodes/bare"))
	require.Equal(t, http.StatusOK, w.Code)

	var raw map[string]any
	decodeBody(t, w, &raw)
	for _, key := range []string{"zpool_name", "total_space", "available_space"} {
		v, ok := raw[key]
		assert.True(t, ok, "missing key %q", key)
		assert.Nil(t, v, "key %q", key)
	}
}

func TestReadRoutes_StoreFailure(t *testing.T) {
	h := &handlers.Handler{DB: failingStore{err: errors.New("disk I/O error")}}
	mux := h.Routes("", nil)

	assert.Equal(t, http.StatusInternalServerError, serve(mux, httptest.NewRequest(http.MethodGet, "/api/v1/nodes", nil)).Code)
	assert.Equal(t, http.StatusInternalServerError, serve(mux, httptest.NewRequest(http.MethodGet, "/api/v1/nodes/n1", nil)).Code)
}

func TestGetNode_UTF8Name(t *testing.T) {
	mux, _ := newTestMux(t)
	require.Equal(t, http.StatusOK, serve(mux, postHeartbeat(mustJSON(t, map[string]any{"node_name": "节点1"}))).Code)

	w := serve(mux, authReq(http.MethodGet, "/api/v1/nodes/"+"%E8%8A%82%E7%82%B91"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got models.Node
	decodeBody(t, w, &got)
	assert.Equal(t, "节点1", got.NodeName)
}

// --- Metrics ---

func TestRoutes_MountsMetrics(t *testing.T) {
	d, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	called := false
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	mux := (&handlers.Handler{DB: d}).Routes("", metricsHandler)

	serve(mux, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.True(t, called)
}
