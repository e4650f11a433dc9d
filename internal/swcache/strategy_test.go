package swcache

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExecutor(t *testing.T, net Fetcher) (*Executor, *StoreManager, *Config) {
	t.Helper()
	cfg := testConfig(t)
	store := testStore(t)
	ex := NewExecutor(cfg, store, net)
	t.Cleanup(ex.Wait)
	return ex, store, cfg
}

func TestCacheFirstHitSkipsNetwork(t *testing.T) {
	net := routeNet(map[string]string{"/images/a.png": "fresh"})
	ex, store, _ := testExecutor(t, net)
	req := mustRequest(t, testOrigin+"/images/a.png")
	req.Destination = DestinationImage
	require.NoError(t, store.Put("images-v1", req, textResp(http.StatusOK, "cached-bytes")))

	resp, err := ex.CacheFirst(context.Background(), req, "images")
	require.NoError(t, err)
	assert.Equal(t, "cached-bytes", string(resp.Body))
	assert.Equal(t, OutcomeHit, resp.Header.Get(OutcomeHeader))
	assert.Zero(t, net.count())
}

func TestCacheFirstIdempotent(t *testing.T) {
	net := routeNet(map[string]string{"/app.js": "console.log(1)"})
	ex, _, _ := testExecutor(t, net)
	req := mustRequest(t, testOrigin+"/app.js")

	first, err := ex.CacheFirst(context.Background(), req, "dynamic")
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, first.Header.Get(OutcomeHeader))
	second, err := ex.CacheFirst(context.Background(), req, "dynamic")
	require.NoError(t, err)
	third, err := ex.CacheFirst(context.Background(), req, "dynamic")
	require.NoError(t, err)

	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, second.Body, third.Body)
	assert.Equal(t, second.Status, third.Status)
	assert.Equal(t, 1, net.count())
}

func TestCacheFirstMissWritesThrough(t *testing.T) {
	net := routeNet(map[string]string{"/app.css": "body{}"})
	ex, store, _ := testExecutor(t, net)

	resp, err := ex.CacheFirst(context.Background(), mustRequest(t, testOrigin+"/app.css"), "dynamic")
	require.NoError(t, err)
	assert.Equal(t, "body{}", string(resp.Body))

	ent, err := store.Match(mustRequest(t, testOrigin+"/app.css"), MatchOptions{Partition: "dynamic-v1"})
	require.NoError(t, err)
	assert.Equal(t, "body{}", string(ent.Body))
	assert.Empty(t, ent.Header.Get(OutcomeHeader), "outcome header is not persisted")
}

func TestCacheFirstDoesNotCacheErrors(t *testing.T) {
	net := routeNet(nil)
	ex, store, _ := testExecutor(t, net)

	resp, err := ex.CacheFirst(context.Background(), mustRequest(t, testOrigin+"/missing.js"), "dynamic")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)

	keys, err := store.Keys("dynamic-v1")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestCacheFirstOffline(t *testing.T) {
	ex, _, _ := testExecutor(t, downNet())

	resp, err := ex.CacheFirst(context.Background(), mustRequest(t, testOrigin+"/app.js"), "dynamic")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, "Offline", string(resp.Body))

	img := mustRequest(t, testOrigin+"/images/p.jpg")
	img.Destination = DestinationImage
	resp, err = ex.CacheFirst(context.Background(), img, "images")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(resp.Body), "<svg")
}

func TestCacheFirstExpiration(t *testing.T) {
	net := routeNet(map[string]string{"/app.js": "new"})
	ex, store, cfg := testExecutor(t, net)
	cfg.Partitions.Dynamic.expDur = time.Minute

	req := mustRequest(t, testOrigin+"/app.js")
	require.NoError(t, store.Put("dynamic-v1", req, textResp(http.StatusOK, "old")))
	// Age the entry past the expiration.
	ent, err := store.Match(req, MatchOptions{})
	require.NoError(t, err)
	ent.StoredAt = time.Now().Add(-2 * time.Minute).UnixNano()
	b, err := encodeGob(ent)
	require.NoError(t, err)
	require.NoError(t, store.db.Put(entryDBKey("dynamic-v1", req.Key()), b, nil))
	store.ram.Delete("dynamic-v1" + sep + req.Key())

	resp, err := ex.CacheFirst(context.Background(), req, "dynamic")
	require.NoError(t, err)
	assert.Equal(t, "new", string(resp.Body))
	assert.Equal(t, 1, net.count())
}

func TestNetworkFirst(t *testing.T) {
	net := routeNet(map[string]string{"/api/user/me": `{"name":"ada"}`})
	ex, store, _ := testExecutor(t, net)
	req := mustRequest(t, testOrigin+"/api/user/me")

	resp, err := ex.NetworkFirst(context.Background(), req, "api")
	require.NoError(t, err)
	assert.Equal(t, `{"name":"ada"}`, string(resp.Body))
	assert.Equal(t, OutcomeNetwork, resp.Header.Get(OutcomeHeader))

	ent, err := store.Match(req, MatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, resp.Body, ent.Body)

	net.set(func(context.Context, *Request) (*Response, error) { return nil, errNetworkDown })
	resp, err = ex.NetworkFirst(context.Background(), req, "api")
	require.NoError(t, err)
	assert.Equal(t, `{"name":"ada"}`, string(resp.Body))
	assert.Equal(t, OutcomeFallback, resp.Header.Get(OutcomeHeader))
}

func TestNetworkFirstOfflineNoCache(t *testing.T) {
	ex, _, _ := testExecutor(t, downNet())

	resp, err := ex.NetworkFirst(context.Background(), mustRequest(t, testOrigin+"/api/user/me"), "api")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"error":"Offline"}`, string(resp.Body))
}

func TestStaleWhileRevalidateReturnsBeforeFetchSettles(t *testing.T) {
	release := make(chan struct{})
	net := newFakeNet(func(context.Context, *Request) (*Response, error) {
		<-release
		return textResp(http.StatusOK, "fresh"), nil
	})
	ex, store, _ := testExecutor(t, net)
	req := mustRequest(t, testOrigin+"/api/marketplace/items")
	require.NoError(t, store.Put("api-v1", req, textResp(http.StatusOK, "stale")))

	done := make(chan *Response, 1)
	go func() {
		resp, err := ex.StaleWhileRevalidate(context.Background(), req, "api")
		assert.NoError(t, err)
		done <- resp
	}()

	var resp *Response
	select {
	case resp = <-done:
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("stale-while-revalidate waited for the network")
	}
	assert.Equal(t, "stale", string(resp.Body))

	close(release)
	ex.Wait()
	ent, err := store.Match(req, MatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(ent.Body), "background fetch wrote through")
}

func TestStaleWhileRevalidateEmptyCache(t *testing.T) {
	net := routeNet(map[string]string{"/api/marketplace/items": "[1,2]"})
	ex, _, _ := testExecutor(t, net)

	resp, err := ex.StaleWhileRevalidate(context.Background(), mustRequest(t, testOrigin+"/api/marketplace/items"), "api")
	require.NoError(t, err)
	assert.Equal(t, "[1,2]", string(resp.Body))

	ex2, _, _ := testExecutor(t, downNet())
	resp, err = ex2.StaleWhileRevalidate(context.Background(), mustRequest(t, testOrigin+"/api/marketplace/items"), "api")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.JSONEq(t, `{"error":"Offline"}`, string(resp.Body))
}

// Scenario: a marketplace path with an empty cache is fetched and stored;
// the next identical request is served from the cache while a refetch
// runs in the background.
func TestMarketplaceScenario(t *testing.T) {
	net := routeNet(map[string]string{"/api/marketplace/items": "v1"})
	ex, store, cfg := testExecutor(t, net)
	c := NewClassifier(cfg)
	req := mustRequest(t, testOrigin+"/api/marketplace/items")

	resp, err := ex.Execute(context.Background(), req, c.Classify(req))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(resp.Body))
	ex.Wait()

	ent, err := store.Match(req, MatchOptions{Partition: "api-v1"})
	require.NoError(t, err)
	assert.Equal(t, "v1", string(ent.Body))

	net.set(func(context.Context, *Request) (*Response, error) { return textResp(http.StatusOK, "v2"), nil })
	resp, err = ex.Execute(context.Background(), req, c.Classify(req))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(resp.Body))
	assert.Equal(t, OutcomeHit, resp.Header.Get(OutcomeHeader))

	ex.Wait()
	assert.Equal(t, 2, net.count())
	ent, err = store.Match(req, MatchOptions{Partition: "api-v1"})
	require.NoError(t, err)
	assert.Equal(t, "v2", string(ent.Body))
}

func TestNetworkOnly(t *testing.T) {
	ex, store, _ := testExecutor(t, routeNet(map[string]string{"/api/v1/charges": "ok"}))
	req := mustRequest(t, "https://api.stripe.com/api/v1/charges")

	resp, err := ex.NetworkOnly(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	names, err := store.StoreNames()
	require.NoError(t, err)
	assert.Empty(t, names)

	ex2, _, _ := testExecutor(t, downNet())
	_, err = ex2.NetworkOnly(context.Background(), req)
	assert.ErrorIs(t, err, errNetworkDown)
}

func TestNavigateFallbackChain(t *testing.T) {
	ctx := context.Background()
	ex, store, _ := testExecutor(t, downNet())
	page := mustRequest(t, testOrigin+"/orders")
	page.Mode = ModeNavigate

	// Nothing cached, no offline document: inline html.
	resp, err := ex.Navigate(ctx, page, "navigation")
	require.NoError(t, err)
	assert.Equal(t, OfflineHTML, string(resp.Body))
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))

	// Offline document precached in the static store.
	require.NoError(t, store.Put("static-v1", mustRequest(t, testOrigin+"/offline.html"), textResp(http.StatusOK, "offline page")))
	resp, err = ex.Navigate(ctx, page, "navigation")
	require.NoError(t, err)
	assert.Equal(t, "offline page", string(resp.Body))

	// Exact cached page wins over the offline document.
	require.NoError(t, store.Put("navigation-v1", page, textResp(http.StatusOK, "orders page")))
	resp, err = ex.Navigate(ctx, page, "navigation")
	require.NoError(t, err)
	assert.Equal(t, "orders page", string(resp.Body))
}

func TestNavigateOnlineWritesThrough(t *testing.T) {
	ex, store, _ := testExecutor(t, routeNet(map[string]string{"/orders": "<html>orders</html>"}))
	page := mustRequest(t, testOrigin+"/orders")
	page.Mode = ModeNavigate

	resp, err := ex.Execute(context.Background(), page, Decision{Strategy: StrategyNetworkFirst, Partition: "navigation", Navigation: true})
	require.NoError(t, err)
	assert.Equal(t, "<html>orders</html>", string(resp.Body))

	ent, err := store.Match(page, MatchOptions{Partition: "navigation-v1"})
	require.NoError(t, err)
	assert.Equal(t, resp.Body, ent.Body)
}

func TestWriteThroughSkipsOversizedBodies(t *testing.T) {
	ex, store, cfg := testExecutor(t, routeNet(map[string]string{"/big.bin": "0123456789"}))
	cfg.Storage.maxEntry = 4

	resp, err := ex.CacheFirst(context.Background(), mustRequest(t, testOrigin+"/big.bin"), "dynamic")
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(resp.Body))
	keys, err := store.Keys("dynamic-v1")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestWriteThroughFailureIsSwallowed(t *testing.T) {
	ex, store, _ := testExecutor(t, routeNet(map[string]string{"/app.js": "code"}))
	require.NoError(t, store.Close())

	resp, err := ex.NetworkFirst(context.Background(), mustRequest(t, testOrigin+"/app.js"), "dynamic")
	require.NoError(t, err)
	assert.Equal(t, "code", string(resp.Body))
}

func TestNetworkTimeout(t *testing.T) {
	net := newFakeNet(func(ctx context.Context, _ *Request) (*Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ex, _, cfg := testExecutor(t, net)
	cfg.Network.timeoutDur = 20 * time.Millisecond

	resp, err := ex.NetworkFirst(context.Background(), mustRequest(t, testOrigin+"/api/user/me"), "api")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
}
