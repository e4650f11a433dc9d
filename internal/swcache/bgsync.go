package swcache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	platformerrors "github.com/jmgilman/go/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const prefixQueue = "q:"

// ActionPayload is the mutation to replay once the network is back.
type ActionPayload struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

type OfflineAction struct {
	ID       string
	Payload  ActionPayload
	Attempts int
	QueuedAt int64 // unix nanoseconds
}

// OfflineQueue is the durable store of deferred actions.
type OfflineQueue interface {
	Add(ctx context.Context, a OfflineAction) error
	// List returns actions oldest first.
	List(ctx context.Context) ([]OfflineAction, error)
	Remove(ctx context.Context, id string) error
	Update(ctx context.Context, a OfflineAction) error
}

type levelQueue struct {
	db *leveldb.DB
}

// NewLevelQueue keeps the queue in db next to the cache stores.
func NewLevelQueue(db *leveldb.DB) OfflineQueue {
	return &levelQueue{db: db}
}

func (q *levelQueue) Add(_ context.Context, a OfflineAction) error {
	if a.ID == "" {
		return errors.New("offline action without id")
	}
	return q.put(a)
}

func (q *levelQueue) Update(_ context.Context, a OfflineAction) error {
	ok, err := q.db.Has([]byte(prefixQueue+a.ID), nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return q.put(a)
}

func (q *levelQueue) put(a OfflineAction) error {
	b, err := encodeGob(a)
	if err != nil {
		return err
	}
	return q.db.Put([]byte(prefixQueue+a.ID), b, nil)
}

func (q *levelQueue) List(_ context.Context) ([]OfflineAction, error) {
	it := q.db.NewIterator(util.BytesPrefix([]byte(prefixQueue)), nil)
	defer it.Release()

	var out []OfflineAction
	for it.Next() {
		var a OfflineAction
		if err := decodeGob(it.Value(), &a); err != nil {
			log.Printf("sync: skip undecodable action %q: %v", it.Key(), err)
			continue
		}
		out = append(out, a)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].QueuedAt != out[j].QueuedAt {
			return out[i].QueuedAt < out[j].QueuedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (q *levelQueue) Remove(_ context.Context, id string) error {
	return q.db.Delete([]byte(prefixQueue+id), nil)
}

type ReplayResult struct {
	Replayed int
	Failed   int
}

// SyncAgent replays actions that were attempted while offline.
type SyncAgent struct {
	cfg   *Config
	queue OfflineQueue
	net   Fetcher

	mu      sync.Mutex
	pending map[string]struct{}

	replayMu sync.Mutex
}

func NewSyncAgent(cfg *Config, queue OfflineQueue, net Fetcher) *SyncAgent {
	return &SyncAgent{cfg: cfg, queue: queue, net: net, pending: map[string]struct{}{}}
}

// Defer queues a mutation and registers the sync tag for it.
func (a *SyncAgent) Defer(ctx context.Context, p ActionPayload) (OfflineAction, error) {
	if p.Method == "" {
		p.Method = http.MethodPost
	}
	if p.URL == "" {
		return OfflineAction{}, platformerrors.New(platformerrors.CodeInvalidInput, "offline action without url")
	}
	if _, err := url.Parse(p.URL); err != nil {
		return OfflineAction{}, invalidInput(err, "offline action url")
	}
	act := OfflineAction{
		ID:       uuid.NewString(),
		Payload:  p,
		QueuedAt: time.Now().UnixNano(),
	}
	if err := a.queue.Add(ctx, act); err != nil {
		return OfflineAction{}, fmt.Errorf("queue offline action: %w", err)
	}
	a.Register(a.cfg.Sync.Tag)
	return act, nil
}

// Register records a sync tag that waits for connectivity.
func (a *SyncAgent) Register(tag string) {
	a.mu.Lock()
	a.pending[tag] = struct{}{}
	a.mu.Unlock()
}

// Pending returns registered tags, sorted.
func (a *SyncAgent) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.pending))
	for t := range a.pending {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// HandleSync is the sync trigger. Unknown tags are ignored. When actions
// are left after the replay the tag stays registered for the next trigger.
func (a *SyncAgent) HandleSync(ctx context.Context, tag string) (ReplayResult, error) {
	if tag != a.cfg.Sync.Tag {
		log.Printf("sync: ignoring tag %q", tag)
		return ReplayResult{}, nil
	}
	a.mu.Lock()
	delete(a.pending, tag)
	a.mu.Unlock()

	res, err := a.Replay(ctx)
	if err != nil || res.Failed > 0 {
		a.Register(tag)
	}
	return res, err
}

// Replay drains the queue once. A failed action is logged and stays
// queued; it never aborts the rest of the batch.
func (a *SyncAgent) Replay(ctx context.Context) (ReplayResult, error) {
	a.replayMu.Lock()
	defer a.replayMu.Unlock()

	actions, err := a.queue.List(ctx)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("list offline actions: %w", err)
	}
	var res ReplayResult
	for _, act := range actions {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := a.replay(ctx, act); err != nil {
			res.Failed++
			act.Attempts++
			log.Printf("sync: replay %s %s %s (attempt %d, retryable=%t): %v", act.ID, act.Payload.Method, act.Payload.URL, act.Attempts, platformerrors.IsRetryable(err), err)
			if err := a.queue.Update(ctx, act); err != nil {
				log.Printf("sync: update %s: %v", act.ID, err)
			}
			continue
		}
		if err := a.queue.Remove(ctx, act.ID); err != nil {
			log.Printf("sync: remove %s: %v", act.ID, err)
			continue
		}
		res.Replayed++
	}
	if len(actions) > 0 {
		log.Printf("sync: replayed=%d failed=%d", res.Replayed, res.Failed)
	}
	return res, nil
}

func (a *SyncAgent) replay(ctx context.Context, act OfflineAction) error {
	u, err := a.cfg.resolve(act.Payload.URL)
	if err != nil {
		return err
	}
	req := &Request{
		Method: act.Payload.Method,
		URL:    u,
		Header: cloneHeader(act.Payload.Header),
		Body:   act.Payload.Body,
	}
	ctx, cancel := withTimeout(ctx, a.cfg.Network.timeoutDur)
	defer cancel()
	resp, err := a.net.Fetch(ctx, req)
	if err != nil {
		return classifyFetchError(err)
	}
	if resp.Status >= 500 {
		return statusError(resp.Status)
	}
	return nil
}
