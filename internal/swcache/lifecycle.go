package swcache

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

type InstallResult struct {
	Cached int
	Failed int
}

// Lifecycle pre-warms the static store on install and retires stores of
// older generations on activate.
type Lifecycle struct {
	cfg   *Config
	store *StoreManager
	net   Fetcher

	skipWaiting atomic.Bool
	claimed     atomic.Bool
}

func NewLifecycle(cfg *Config, store *StoreManager, net Fetcher) *Lifecycle {
	return &Lifecycle{cfg: cfg, store: store, net: net}
}

// Install fills the static store. Individual precache failures are logged
// and counted; only a store that cannot be opened fails the install.
func (l *Lifecycle) Install(ctx context.Context) (InstallResult, error) {
	static := l.cfg.StoreName(l.cfg.Partitions.Static.Name)
	if err := l.store.Open(static); err != nil {
		return InstallResult{}, fmt.Errorf("open %s: %w", static, err)
	}

	// Fetches run concurrently; puts happen in manifest order so the
	// static store's insertion order matches the manifest.
	list := l.precacheList(ctx)
	reqs := make([]*Request, len(list))
	fetched := make([]*Response, len(list))
	errs := make([]error, len(list))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Precache.Concurrency)
	for i, raw := range list {
		g.Go(func() error {
			reqs[i], fetched[i], errs[i] = l.fetchPrecache(gctx, raw)
			return nil
		})
	}
	_ = g.Wait()

	var res InstallResult
	for i, raw := range list {
		err := errs[i]
		if err == nil {
			err = l.store.Put(static, reqs[i], fetched[i])
		}
		if err != nil {
			log.Printf("install: precache %s: %v", raw, err)
			res.Failed++
			continue
		}
		res.Cached++
	}
	log.Printf("install: %s cached=%d failed=%d", static, res.Cached, res.Failed)
	if doc, err := l.offlineDocument(); err == nil {
		if _, err := l.store.Match(doc, MatchOptions{Partition: static}); err != nil {
			log.Printf("install: offline document %s not cached, navigations will fall back to inline html", doc.URL)
		}
	}

	// Take over right away instead of waiting for the old generation's
	// clients to go away.
	l.skipWaiting.Store(true)
	return res, nil
}

func (l *Lifecycle) fetchPrecache(ctx context.Context, raw string) (*Request, *Response, error) {
	req, err := NewRequest(raw)
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := withTimeout(ctx, l.cfg.Network.timeoutDur)
	defer cancel()
	resp, err := l.net.Fetch(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if !resp.OK() {
		return nil, nil, fmt.Errorf("status %d", resp.Status)
	}
	return req, resp, nil
}

// Activate deletes every store outside the retained set, then claims all
// clients for the current generation. It returns the deleted store names.
func (l *Lifecycle) Activate(ctx context.Context) ([]string, error) {
	names, err := l.store.StoreNames()
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	retained := l.cfg.RetainedStores()

	var deleted []string
	for _, name := range names {
		if _, ok := retained[name]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if _, err := l.store.DeleteStore(name); err != nil {
			log.Printf("activate: delete %s: %v", name, err)
			continue
		}
		log.Printf("activate: deleted store %s", name)
		deleted = append(deleted, name)
	}
	l.claimed.Store(true)
	return deleted, nil
}

// SkipWaiting reports whether an installed generation asked to activate
// immediately.
func (l *Lifecycle) SkipWaiting() bool { return l.skipWaiting.Load() }

// Claimed reports whether the current generation controls requests.
func (l *Lifecycle) Claimed() bool { return l.claimed.Load() }

func (l *Lifecycle) offlineDocument() (*Request, error) {
	u, err := l.cfg.resolve(l.cfg.Precache.OfflineDocument)
	if err != nil {
		return nil, err
	}
	return &Request{Method: http.MethodGet, URL: u, Header: http.Header{}}, nil
}
