package swcache

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
)

const testOrigin = "https://app.test"

var errNetworkDown = errors.New("network down")

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.Origin = testOrigin
	cfg.Storage.Path = ":memory:"
	require.NoError(t, cfg.Compile())
	return &cfg
}

func testDB(t *testing.T) *leveldb.DB {
	t.Helper()
	db, err := openDB(":memory:")
	require.NoError(t, err)
	return db
}

func testStore(t *testing.T) *StoreManager {
	t.Helper()
	m, err := NewStoreManager(testDB(t), 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// fakeNet records every fetch and answers through fn.
type fakeNet struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, req *Request) (*Response, error)
}

func newFakeNet(fn func(ctx context.Context, req *Request) (*Response, error)) *fakeNet {
	return &fakeNet{fn: fn}
}

func (f *fakeNet) Fetch(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Key())
	fn := f.fn
	f.mu.Unlock()
	return fn(ctx, req)
}

func (f *fakeNet) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeNet) set(fn func(ctx context.Context, req *Request) (*Response, error)) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

func downNet() *fakeNet {
	return newFakeNet(func(context.Context, *Request) (*Response, error) {
		return nil, errNetworkDown
	})
}

// routeNet serves bodies by path and 404s everything else.
func routeNet(routes map[string]string) *fakeNet {
	return newFakeNet(func(_ context.Context, req *Request) (*Response, error) {
		body, ok := routes[req.URL.Path]
		if !ok {
			return textResp(http.StatusNotFound, "not found"), nil
		}
		return textResp(http.StatusOK, body), nil
	})
}

func textResp(status int, body string) *Response {
	return &Response{Status: status, Header: http.Header{"Content-Type": {"text/plain"}}, Body: []byte(body)}
}

func mustRequest(t *testing.T, rawURL string) *Request {
	t.Helper()
	r, err := NewRequest(rawURL)
	require.NoError(t, err)
	return r
}
