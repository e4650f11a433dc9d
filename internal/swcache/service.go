package swcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/syndtr/goleveldb/leveldb"
)

const (
	controlPrefix  = "/__swcache/"
	maxRequestBody = 32 << 20
)

// Options replaces the platform collaborators. Nil fields get the
// defaults: net/http for the network, log lines for notifications, an
// in-memory window registry and the LevelDB queue.
type Options struct {
	Network  Fetcher
	Notifier Notifier
	Clients  Clients
	Queue    OfflineQueue
}

type Service struct {
	cfg Config

	db       *leveldb.DB
	net      Fetcher
	store    *StoreManager
	exec     *Executor
	life     *Lifecycle
	classify *Classifier
	share    *ShareHandler
	push     *PushAgent
	sync     *SyncAgent
	dispatch *Dispatcher

	stats    *statsCollector
	evictLog *throttledLog

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewService(cfg Config, opts Options) (*Service, error) {
	if err := cfg.Compile(); err != nil {
		return nil, err
	}
	db, err := openDB(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open storage %s: %w", cfg.Storage.Path, err)
	}

	s := &Service{
		cfg:      cfg,
		db:       db,
		stats:    newStatsCollector(),
		evictLog: newThrottledLog(time.Minute),
	}
	store, err := NewStoreManager(db, cfg.Storage.ramMax)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.store = store

	s.net = opts.Network
	if s.net == nil {
		s.net = NewHTTPFetcher(&http.Client{}, &s.cfg)
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NewLogNotifier()
	}
	var clients Clients = opts.Clients
	if clients == nil {
		clients = &WindowRegistry{}
	}
	queue := opts.Queue
	if queue == nil {
		queue = NewLevelQueue(db)
	}

	s.exec = NewExecutor(&s.cfg, store, s.net)
	s.exec.stats = s.stats
	s.life = NewLifecycle(&s.cfg, store, s.net)
	s.classify = NewClassifier(&s.cfg)
	s.share = NewShareHandler(&s.cfg, store)
	s.push = NewPushAgent(&s.cfg, notifier, clients, db)
	s.sync = NewSyncAgent(&s.cfg, queue, s.net)
	s.dispatch = NewDispatcher(DispatcherDeps{
		Lifecycle:  s.life,
		Classifier: s.classify,
		Executor:   s.exec,
		Share:      s.share,
		Push:       s.push,
		Sync:       s.sync,
	})
	return s, nil
}

// Start runs the dispatcher, installs and activates the current
// generation and starts the periodic loops.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatch.Run(runCtx)
	}()

	r := s.dispatch.Send(ctx, Install{})
	if r.Err != nil {
		return fmt.Errorf("install: %w", r.Err)
	}
	log.Printf("generation %s active, precached=%d failed=%d retired=%v", s.cfg.Generation, r.Install.Cached, r.Install.Failed, r.Deleted)

	s.every(runCtx, s.cfg.Eviction.everyDur, func() {
		if _, err := s.EvictNow(); err != nil {
			s.evictLog.Printf("evict", "evict %s: %v", s.cfg.Eviction.Partition, err)
		}
	})
	s.every(runCtx, s.cfg.Logging.logStatsEveryDur, s.logStats)
	s.every(runCtx, s.cfg.Sync.probeEveryDur, func() { s.probe(runCtx) })
	return nil
}

func (s *Service) every(ctx context.Context, d time.Duration, fn func()) {
	if d <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(d)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				fn()
			}
		}
	}()
}

func (s *Service) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.exec.Wait()
		_ = s.store.Close()
	})
}

func (s *Service) Dispatcher() *Dispatcher { return s.dispatch }

// EvictNow trims the eviction partition to its ceiling.
func (s *Service) EvictNow() (int, error) {
	store := s.cfg.StoreName(s.cfg.Eviction.Partition)
	n, err := s.store.EvictOldest(store, s.cfg.Eviction.ceiling)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("evict: %s removed=%d ceiling=%d", store, n, s.cfg.Eviction.ceiling)
	}
	return n, nil
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	names, _ := s.store.StoreNames()
	log.Printf(
		"Served: %d [%s], Stores: %d, RAM usage: %s, Resp Min/avg/max %s/%s/%s",
		ss.TotalResponses,
		ss.String(),
		len(names),
		formatBytes(uint64(s.store.ram.TotalSize())),
		formatBytes(ss.MinRespBytes),
		formatBytes(ss.AvgRespBytes),
		formatBytes(ss.MaxRespBytes),
	)
}

// probe fires the pending sync tags once the origin answers again.
func (s *Service) probe(ctx context.Context) {
	tags := s.sync.Pending()
	if len(tags) == 0 || s.cfg.originURL == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	u := *s.cfg.originURL
	if _, err := s.net.Fetch(pctx, &Request{Method: http.MethodHead, URL: &u, Header: http.Header{}}); err != nil {
		return
	}
	for _, tag := range tags {
		if r := s.dispatch.Send(ctx, Sync{Tag: tag}); r.Err != nil {
			log.Printf("sync: %s: %v", tag, r.Err)
		}
	}
}

func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	if !r.URL.IsAbs() && strings.HasPrefix(r.URL.Path, controlPrefix) {
		s.control(w, r)
		return
	}
	req, err := s.toRequest(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := s.dispatch.Intercept(r.Context(), req)
	if err != nil {
		setOutcomeHeader(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeResponse(w, resp)
}

// toRequest turns an incoming proxy request into a descriptor. Absolute
// request URIs are forward-proxy requests; anything else targets the origin.
// Bodies over maxRequestBody are rejected, never forwarded cut short.
func (s *Service) toRequest(w http.ResponseWriter, r *http.Request) (*Request, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	u := r.URL
	if !u.IsAbs() {
		if s.cfg.originURL != nil {
			u = s.cfg.originURL.ResolveReference(&url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery})
		} else {
			c := *r.URL
			c.Scheme, c.Host = "http", r.Host
			u = &c
		}
	}
	return &Request{
		Method:      r.Method,
		URL:         u,
		Header:      cloneHeader(r.Header),
		Destination: Destination(r.Header.Get("Sec-Fetch-Dest")),
		Mode:        r.Header.Get("Sec-Fetch-Mode"),
		Body:        body,
	}, nil
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// setOutcomeHeader records the outcome and lists the header in
// Access-Control-Expose-Headers so page scripts can read it cross-origin.
func setOutcomeHeader(h http.Header, outcome string) {
	const expose = "Access-Control-Expose-Headers"
	if outcome != "" {
		h.Set(OutcomeHeader, outcome)
	}
	var names []string
	for _, v := range h.Values(expose) {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name == "" {
				continue
			}
			if strings.EqualFold(name, OutcomeHeader) {
				return
			}
			names = append(names, name)
		}
	}
	h.Set(expose, strings.Join(append(names, OutcomeHeader), ", "))
}

// ---- host control endpoints ----

type deferRequest struct {
	Method string            `json:"method"`
	URL    string            `json:"url"`
	Header map[string]string `json:"headers"`
	Body   string            `json:"body"`
}

func (s *Service) control(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, controlPrefix)
	if name == "shared" {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		sc, ok, err := s.share.Take()
		switch {
		case err != nil:
			writeError(w, err)
		case !ok:
			writeError(w, platformerrors.New(platformerrors.CodeNotFound, "nothing shared"))
		default:
			writeJSON(w, http.StatusOK, sc)
		}
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, invalidInput(err, "read body"))
		return
	}
	ctx := r.Context()
	q := r.URL.Query()

	switch name {
	case "push":
		res := s.dispatch.Send(ctx, Push{Payload: body})
		s.reply(w, res.Err, res.Push)
	case "notificationclick":
		res := s.dispatch.Send(ctx, NotificationClick{ID: q.Get("id"), Action: q.Get("action")})
		s.reply(w, res.Err, map[string]string{"outcome": string(res.Click)})
	case "sync":
		tag := q.Get("tag")
		if tag == "" {
			tag = s.cfg.Sync.Tag
		}
		res := s.dispatch.Send(ctx, Sync{Tag: tag})
		s.reply(w, res.Err, res.Replay)
	case "defer":
		var dr deferRequest
		if err := json.Unmarshal(body, &dr); err != nil {
			writeError(w, invalidInput(err, "invalid json"))
			return
		}
		h := make(http.Header, len(dr.Header))
		for k, v := range dr.Header {
			h.Set(k, v)
		}
		act, err := s.sync.Defer(ctx, ActionPayload{Method: dr.Method, URL: dr.URL, Header: h, Body: []byte(dr.Body)})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": act.ID})
	default:
		http.NotFound(w, r)
	}
}

func (s *Service) reply(w http.ResponseWriter, err error, v any) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
