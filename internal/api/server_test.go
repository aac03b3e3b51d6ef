package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fabworks/floorsync/internal/conflict"
	"github.com/fabworks/floorsync/internal/engine"
	"github.com/fabworks/floorsync/internal/entity"
	"github.com/fabworks/floorsync/internal/queue"
	"github.com/fabworks/floorsync/internal/secure"
)

type stubRemote struct {
	err   error
	calls int
}

func (r *stubRemote) Create(ctx context.Context, table string, payload json.RawMessage) error {
	r.calls++
	return r.err
}

func (r *stubRemote) Update(ctx context.Context, table, id string, payload json.RawMessage) error {
	r.calls++
	return r.err
}

func (r *stubRemote) Delete(ctx context.Context, table, id string) error {
	r.calls++
	return r.err
}

type fixture struct {
	store  *queue.Store
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cipher, err := secure.NewCipher(bytes.Repeat([]byte{0x07}, secure.KeySize))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	store, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"), cipher, slog.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	entities, err := entity.New(store.DB())
	if err != nil {
		t.Fatalf("entity.New: %v", err)
	}

	resolver := conflict.NewResolver(conflict.DefaultPolicy(), time.Now)
	eng := engine.New(store, entities, &stubRemote{}, resolver, engine.Config{ItemDelay: time.Millisecond}, slog.Default())

	srv := NewServer(0, eng, store, slog.Default())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{store: store, server: ts}
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return resp, body
}

func (f *fixture) post(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(f.server.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return resp, out
}

func enqueue(t *testing.T, store *queue.Store, table string) string {
	t.Helper()
	id, err := store.Enqueue(context.Background(), queue.OpCreate, table,
		json.RawMessage(`{"id":"wo-1","status":"done"}`), queue.PriorityMedium)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	enqueue(t, f.store, "work_orders")

	resp, body := f.get(t, "/api/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["syncing"] != false {
		t.Errorf("syncing = %v", body["syncing"])
	}
	queueStats, ok := body["queue"].(map[string]any)
	if !ok {
		t.Fatalf("queue stats missing: %v", body)
	}
	if queueStats["pending"] != float64(1) {
		t.Errorf("pending = %v", queueStats["pending"])
	}
}

func TestQueueListEndpoint(t *testing.T) {
	f := newFixture(t)
	enqueue(t, f.store, "work_orders")
	enqueue(t, f.store, "defect_reports")

	resp, body := f.get(t, "/api/queue")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["pending"] != float64(2) {
		t.Errorf("pending = %v", body["pending"])
	}
}

func TestGetQueueItem(t *testing.T) {
	f := newFixture(t)
	id := enqueue(t, f.store, "work_orders")

	resp, body := f.get(t, "/api/queue/"+id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["id"] != id || body["table"] != "work_orders" || body["status"] != "pending" {
		t.Errorf("item view = %v", body)
	}

	resp, _ = f.get(t, "/api/queue/no-such-id")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing item status = %d", resp.StatusCode)
	}
}

func TestTriggerSync(t *testing.T) {
	f := newFixture(t)
	id := enqueue(t, f.store, "work_orders")

	resp, body := f.post(t, "/api/sync", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "started" {
		t.Errorf("body = %v", body)
	}

	// The run happens in the background; poll for the result.
	deadline := time.Now().Add(2 * time.Second)
	for {
		item, err := f.store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if item.Status == queue.StatusSynced {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("item never synced, status = %s", item.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRetryEndpoint(t *testing.T) {
	f := newFixture(t)
	id := enqueue(t, f.store, "work_orders")

	// Not yet failed: retry should 404.
	resp, _ := f.post(t, fmt.Sprintf("/api/queue/%s/retry", id), "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("retry pending item status = %d", resp.StatusCode)
	}

	if err := f.store.MarkManual(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	resp, body := f.post(t, fmt.Sprintf("/api/queue/%s/retry", id), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retry status = %d", resp.StatusCode)
	}
	if body["status"] != "requeued" {
		t.Errorf("body = %v", body)
	}

	item, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != queue.StatusPending || item.RetryCount != 0 {
		t.Errorf("after retry: status=%s retries=%d", item.Status, item.RetryCount)
	}
}

func TestResolveEndpoint(t *testing.T) {
	f := newFixture(t)

	t.Run("use_local requeues", func(t *testing.T) {
		id := enqueue(t, f.store, "work_orders")
		if err := f.store.MarkManual(context.Background(), id); err != nil {
			t.Fatal(err)
		}

		resp, _ := f.post(t, fmt.Sprintf("/api/queue/%s/resolve", id), `{"strategy":"use_local"}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		item, _ := f.store.Get(context.Background(), id)
		if item.Status != queue.StatusPending {
			t.Errorf("status = %s, want pending", item.Status)
		}
	})

	t.Run("use_remote abandons local mutation", func(t *testing.T) {
		id := enqueue(t, f.store, "work_orders")
		if err := f.store.MarkManual(context.Background(), id); err != nil {
			t.Fatal(err)
		}

		resp, _ := f.post(t, fmt.Sprintf("/api/queue/%s/resolve", id), `{"strategy":"use_remote"}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		item, _ := f.store.Get(context.Background(), id)
		if item.Status != queue.StatusSynced {
			t.Errorf("status = %s, want synced", item.Status)
		}
	})

	t.Run("rejects non-manual items", func(t *testing.T) {
		id := enqueue(t, f.store, "work_orders")
		resp, _ := f.post(t, fmt.Sprintf("/api/queue/%s/resolve", id), `{"strategy":"use_local"}`)
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("status = %d, want 409", resp.StatusCode)
		}
	})

	t.Run("rejects unknown strategy", func(t *testing.T) {
		id := enqueue(t, f.store, "work_orders")
		if err := f.store.MarkManual(context.Background(), id); err != nil {
			t.Fatal(err)
		}
		resp, _ := f.post(t, fmt.Sprintf("/api/queue/%s/resolve", id), `{"strategy":"merge"}`)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestMethodGuards(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.post(t, "/api/status", "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/status = %d", resp.StatusCode)
	}
	resp, _ = f.get(t, "/api/sync")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/sync = %d", resp.StatusCode)
	}
}
