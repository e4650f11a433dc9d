package swcache

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"
)

const OutcomeHeader = "X-Swcache"

// OfflineHTML is the last-resort navigation response.
const OfflineHTML = `<!DOCTYPE html><html><head><meta charset="utf-8"><meta name="viewport" content="width=device-width,initial-scale=1"><title>Offline</title></head><body><h1>You are offline</h1><p>Check your connection and try again.</p></body></html>`

const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="200" height="200" viewBox="0 0 200 200"><rect width="200" height="200" fill="#e5e7eb"/><text x="100" y="105" font-family="sans-serif" font-size="14" fill="#6b7280" text-anchor="middle">Image unavailable</text></svg>`

// Executor runs the caching strategies against the store manager and the
// network.
type Executor struct {
	cfg   *Config
	store *StoreManager
	net   Fetcher
	stats *statsCollector

	failLog *throttledLog
	bg      sync.WaitGroup
}

func NewExecutor(cfg *Config, store *StoreManager, net Fetcher) *Executor {
	return &Executor{
		cfg:     cfg,
		store:   store,
		net:     net,
		failLog: newThrottledLog(time.Minute),
	}
}

// Wait blocks until every background revalidation has settled.
func (e *Executor) Wait() { e.bg.Wait() }

// Execute runs the strategy the classifier picked.
func (e *Executor) Execute(ctx context.Context, req *Request, d Decision) (*Response, error) {
	switch d.Strategy {
	case StrategyCacheFirst:
		return e.CacheFirst(ctx, req, d.Partition)
	case StrategyNetworkFirst:
		if d.Navigation {
			return e.Navigate(ctx, req, d.Partition)
		}
		return e.NetworkFirst(ctx, req, d.Partition)
	case StrategyStaleWhileRevalidate:
		return e.StaleWhileRevalidate(ctx, req, d.Partition)
	case StrategyNetworkOnly:
		return e.NetworkOnly(ctx, req)
	}
	resp, err := e.fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.mark(resp, OutcomePassthrough), nil
}

func (e *Executor) CacheFirst(ctx context.Context, req *Request, partition string) (*Response, error) {
	ent, found := e.lookup(req)
	if found && e.fresh(ent, partition) {
		return e.mark(ent.Response(), OutcomeHit), nil
	}
	resp, err := e.fetch(ctx, req)
	if err != nil {
		if found {
			// Expired, but better than nothing.
			return e.mark(ent.Response(), OutcomeFallback), nil
		}
		if req.Destination == DestinationImage {
			return e.mark(placeholderImage(), OutcomeOffline), nil
		}
		return e.mark(offlineText(), OutcomeOffline), nil
	}
	e.writeThrough(partition, req, resp)
	return e.mark(resp, OutcomeMiss), nil
}

func (e *Executor) NetworkFirst(ctx context.Context, req *Request, partition string) (*Response, error) {
	resp, err := e.fetch(ctx, req)
	if err == nil {
		e.writeThrough(partition, req, resp)
		return e.mark(resp, OutcomeNetwork), nil
	}
	if ent, ok := e.lookup(req); ok {
		return e.mark(ent.Response(), OutcomeFallback), nil
	}
	return e.mark(offlineJSON(), OutcomeOffline), nil
}

// Navigate is network-first with the navigation fallback chain: exact
// cached page, then the offline document, then OfflineHTML.
func (e *Executor) Navigate(ctx context.Context, req *Request, partition string) (*Response, error) {
	resp, err := e.fetch(ctx, req)
	if err == nil {
		e.writeThrough(partition, req, resp)
		return e.mark(resp, OutcomeNetwork), nil
	}
	if ent, ok := e.lookup(req); ok {
		return e.mark(ent.Response(), OutcomeFallback), nil
	}
	if doc, err := e.cfg.resolve(e.cfg.Precache.OfflineDocument); err == nil {
		ent, err := e.store.Match(&Request{Method: http.MethodGet, URL: doc}, MatchOptions{Partition: e.cfg.StoreName(e.cfg.Partitions.Static.Name)})
		if err == nil {
			return e.mark(ent.Response(), OutcomeFallback), nil
		}
	}
	return e.mark(offlineHTML(), OutcomeOffline), nil
}

type fetchResult struct {
	resp *Response
	err  error
}

// StaleWhileRevalidate answers from the cache when it can and refreshes
// the entry in the background either way.
func (e *Executor) StaleWhileRevalidate(ctx context.Context, req *Request, partition string) (*Response, error) {
	ent, found := e.lookup(req)

	fctx := ctx
	if found {
		// The caller is gone by the time this settles.
		fctx = context.WithoutCancel(ctx)
	}
	done := make(chan fetchResult, 1)
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		resp, err := e.fetch(fctx, req)
		if err == nil {
			e.writeThrough(partition, req, resp)
		} else if found {
			log.Printf("revalidate %s: %v", req.Key(), err)
		}
		done <- fetchResult{resp: resp, err: err}
	}()

	if found {
		return e.mark(ent.Response(), OutcomeHit), nil
	}
	r := <-done
	if r.err != nil {
		return e.mark(offlineJSON(), OutcomeOffline), nil
	}
	return e.mark(r.resp.Clone(), OutcomeMiss), nil
}

// NetworkOnly never touches the cache; failures go back to the caller.
func (e *Executor) NetworkOnly(ctx context.Context, req *Request) (*Response, error) {
	resp, err := e.fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.mark(resp, OutcomeNetwork), nil
}

func (e *Executor) fetch(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := withTimeout(ctx, e.cfg.Network.timeoutDur)
	defer cancel()
	return e.net.Fetch(ctx, req)
}

func (e *Executor) lookup(req *Request) (CacheEntry, bool) {
	ent, err := e.store.Match(req, MatchOptions{})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			e.failLog.Printf("match", "cache: match %s: %v", req.Key(), err)
		}
		return CacheEntry{}, false
	}
	return ent, true
}

func (e *Executor) fresh(ent CacheEntry, partition string) bool {
	exp := e.cfg.expiration(partition)
	if exp <= 0 {
		return true
	}
	return time.Since(time.Unix(0, ent.StoredAt)) <= exp
}

// writeThrough is best-effort: the network response is returned to the
// caller whether or not the write lands.
func (e *Executor) writeThrough(partition string, req *Request, resp *Response) {
	if partition == "" || !resp.OK() {
		return
	}
	if max := e.cfg.Storage.maxEntry; max > 0 && int64(len(resp.Body)) > max {
		return
	}
	if err := e.store.Put(e.cfg.StoreName(partition), req, resp); err != nil {
		e.failLog.Printf("write-through", "cache: write-through %s: %v", req.Key(), err)
	}
}

func (e *Executor) mark(resp *Response, outcome string) *Response {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	setOutcomeHeader(resp.Header, outcome)
	e.stats.Observe(outcome, len(resp.Body))
	return resp
}

func synthetic(status int, contentType, body string) *Response {
	h := make(http.Header)
	h.Set("Content-Type", contentType)
	return &Response{Status: status, Header: h, Body: []byte(body)}
}

func offlineText() *Response {
	return synthetic(http.StatusServiceUnavailable, "text/plain; charset=utf-8", "Offline")
}

func offlineJSON() *Response {
	return synthetic(http.StatusServiceUnavailable, "application/json", `{"error":"Offline"}`)
}

func offlineHTML() *Response {
	return synthetic(http.StatusOK, "text/html; charset=utf-8", OfflineHTML)
}

func placeholderImage() *Response {
	r := synthetic(http.StatusOK, "image/svg+xml", placeholderSVG)
	r.Header.Set("Cache-Control", "no-store")
	return r
}
