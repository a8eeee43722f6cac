package state

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskloop/taskloop/internal/dapr"
)

type sidecarItem struct {
	value    []byte
	etag     int
	metadata map[string]string
}

// fakeSidecar is a minimal in-memory stand-in for the sidecar state API.
type fakeSidecar struct {
	mu        sync.Mutex
	items     map[string]*sidecarItem
	failSaves int
}

func newFakeSidecar() *fakeSidecar {
	return &fakeSidecar{items: make(map[string]*sidecarItem)}
}

func (f *fakeSidecar) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1.0/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/v1.0/state/teststore/", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path[len("/v1.0/state/teststore/"):]
		f.mu.Lock()
		defer f.mu.Unlock()

		item, ok := f.items[key]
		switch r.Method {
		case http.MethodGet:
			if !ok {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			w.Header().Set("ETag", strconv.Itoa(item.etag))
			_, _ = w.Write(item.value)
		case http.MethodDelete:
			if match := r.Header.Get("If-Match"); match != "" && ok && match != strconv.Itoa(item.etag) {
				w.WriteHeader(http.StatusConflict)
				return
			}
			delete(f.items, key)
			w.WriteHeader(http.StatusNoContent)
		}
	})
	mux.HandleFunc("/v1.0/state/teststore", func(w http.ResponseWriter, r *http.Request) {
		var payload []struct {
			Key      string            `json:"key"`
			Value    json.RawMessage   `json:"value"`
			ETag     *string           `json:"etag"`
			Metadata map[string]string `json:"metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		for _, entry := range payload {
			item, ok := f.items[entry.Key]
			if entry.ETag != nil {
				if f.failSaves > 0 {
					f.failSaves--
					w.WriteHeader(http.StatusConflict)
					return
				}
				if !ok || *entry.ETag != strconv.Itoa(item.etag) {
					w.WriteHeader(http.StatusConflict)
					return
				}
			}
			etag := 1
			if ok {
				etag = item.etag + 1
			}
			f.items[entry.Key] = &sidecarItem{value: entry.Value, etag: etag, metadata: entry.Metadata}
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (f *fakeSidecar) item(key string) *sidecarItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[key]
}

func newTestDaprStore(t *testing.T) (*DaprStore, *fakeSidecar) {
	t.Helper()

	sidecar := newFakeSidecar()
	server := httptest.NewServer(sidecar.handler())
	t.Cleanup(server.Close)

	client := dapr.NewClient(dapr.Config{
		BaseURL:     server.URL,
		AppID:       "task-service",
		BackoffBase: time.Millisecond,
	})
	return NewDaprStore(client, "teststore"), sidecar
}

func TestDaprStore_RoundTrip(t *testing.T) {
	store, _ := newTestDaprStore(t)
	ctx := context.Background()

	value, etag, err := store.Get(ctx, "task:t1")
	require.NoError(t, err)
	assert.Nil(t, value)
	assert.Empty(t, etag)

	require.NoError(t, store.Set(ctx, "task:t1", []byte(`{"id":"t1"}`), time.Hour, ""))

	value, etag, err = store.Get(ctx, "task:t1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"t1"}`, string(value))
	assert.Equal(t, "1", etag)

	require.NoError(t, store.Delete(ctx, "task:t1", etag))

	value, _, err = store.Get(ctx, "task:t1")
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestDaprStore_SetPassesTTL(t *testing.T) {
	store, sidecar := newTestDaprStore(t)

	require.NoError(t, store.Set(context.Background(), "task:t1", []byte(`{}`), time.Hour, ""))

	item := sidecar.item("task:t1")
	require.NotNil(t, item)
	assert.Equal(t, "3600", item.metadata["ttlInSeconds"])
}

func TestDaprStore_Increment(t *testing.T) {
	store, sidecar := newTestDaprStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := store.Increment(ctx, "rate_limit:u1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	item := sidecar.item("rate_limit:u1")
	require.NotNil(t, item)
	assert.Equal(t, "3", string(item.value))
	assert.Equal(t, "60", item.metadata["ttlInSeconds"])
}

func TestDaprStore_IncrementRetriesOnConflict(t *testing.T) {
	store, sidecar := newTestDaprStore(t)
	ctx := context.Background()

	_, err := store.Increment(ctx, "rate_limit:u1", time.Minute)
	require.NoError(t, err)

	sidecar.mu.Lock()
	sidecar.failSaves = 1
	sidecar.mu.Unlock()

	n, err := store.Increment(ctx, "rate_limit:u1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestDaprStore_Ping(t *testing.T) {
	store, _ := newTestDaprStore(t)
	require.NoError(t, store.Ping(context.Background()))
}
