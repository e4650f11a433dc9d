package swcache

import (
	"bytes"
	"container/list"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout inside the LevelDB:
//
//	s:<store>              store meta (CacheStore)
//	e:<store>\x00<key>     cache entry (CacheEntry)
//	o:<store>\x00<seq>     insertion order record, value is <key>
//	q:<id>                 offline action queue, see bgsync.go
//	n:<id>                 shown notifications, see push.go
const (
	prefixStore = "s:"
	prefixEntry = "e:"
	prefixOrder = "o:"
	sep         = "\x00"
)

type MatchOptions struct {
	// Partition limits the lookup to one store. Empty searches every store
	// in creation order.
	Partition string
}

// StoreManager owns the named cache stores. Entries are authoritative on
// disk; the RAM tier only shortcuts repeated reads.
type StoreManager struct {
	db  *leveldb.DB
	ram *ramCache

	seq    atomic.Uint64
	closed atomic.Bool
}

func openDB(path string) (*leveldb.DB, error) {
	if path == ":memory:" {
		return leveldb.Open(storage.NewMemStorage(), nil)
	}
	return leveldb.OpenFile(path, nil)
}

func NewStoreManager(db *leveldb.DB, ramMax int64) (*StoreManager, error) {
	m := &StoreManager{db: db, ram: newRAMCache(ramMax)}
	if err := m.loadSeq(); err != nil {
		return nil, err
	}
	return m, nil
}

// loadSeq restores the insertion counter so ordering survives restarts.
func (m *StoreManager) loadSeq() error {
	var max uint64
	it := m.db.NewIterator(util.BytesPrefix([]byte(prefixStore)), nil)
	for it.Next() {
		var cs CacheStore
		if err := decodeGob(it.Value(), &cs); err == nil && cs.Created > max {
			max = cs.Created
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}

	it = m.db.NewIterator(util.BytesPrefix([]byte(prefixEntry)), nil)
	defer it.Release()
	for it.Next() {
		var ent CacheEntry
		if err := decodeGob(it.Value(), &ent); err == nil && ent.Seq > max {
			max = ent.Seq
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	m.seq.Store(max)
	return nil
}

func (m *StoreManager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	return m.db.Close()
}

func validStoreName(name string) error {
	if name == "" || strings.Contains(name, sep) {
		return fmt.Errorf("invalid store name %q", name)
	}
	return nil
}

// Open creates the store if it does not exist yet.
func (m *StoreManager) Open(name string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if err := validStoreName(name); err != nil {
		return err
	}
	k := []byte(prefixStore + name)
	ok, err := m.db.Has(k, nil)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	gen := ""
	if i := strings.LastIndexByte(name, '-'); i >= 0 {
		gen = name[i+1:]
	}
	b, err := encodeGob(CacheStore{Name: name, Generation: gen, Created: m.seq.Add(1)})
	if err != nil {
		return err
	}
	return m.db.Put(k, b, nil)
}

func (m *StoreManager) HasStore(name string) (bool, error) {
	if m.closed.Load() {
		return false, ErrClosed
	}
	return m.db.Has([]byte(prefixStore+name), nil)
}

// StoreNames lists existing stores in creation order.
func (m *StoreManager) StoreNames() ([]string, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	it := m.db.NewIterator(util.BytesPrefix([]byte(prefixStore)), nil)
	defer it.Release()

	var stores []CacheStore
	for it.Next() {
		var cs CacheStore
		if err := decodeGob(it.Value(), &cs); err != nil {
			cs.Name = string(bytes.TrimPrefix(it.Key(), []byte(prefixStore)))
		}
		stores = append(stores, cs)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(stores, func(i, j int) bool { return stores[i].Created < stores[j].Created })
	out := make([]string, len(stores))
	for i, cs := range stores {
		out[i] = cs.Name
	}
	return out, nil
}

// Match returns the entry stored under the request's (method, url) key.
func (m *StoreManager) Match(req *Request, opts MatchOptions) (CacheEntry, error) {
	if m.closed.Load() {
		return CacheEntry{}, ErrClosed
	}
	key := req.Key()
	if opts.Partition != "" {
		return m.matchIn(opts.Partition, key)
	}
	names, err := m.StoreNames()
	if err != nil {
		return CacheEntry{}, err
	}
	for _, name := range names {
		ent, err := m.matchIn(name, key)
		if err == nil {
			return ent, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return CacheEntry{}, err
		}
	}
	return CacheEntry{}, ErrNotFound
}

func (m *StoreManager) matchIn(store, key string) (CacheEntry, error) {
	rk := store + sep + key
	if ent, ok := m.ram.Get(rk); ok {
		return ent, nil
	}
	gen := m.ram.Gen()
	ent, err := m.peek(store, key)
	if err != nil {
		return CacheEntry{}, err
	}
	m.ram.Fill(rk, ent, gen)
	return ent, nil
}

func (m *StoreManager) peek(store, key string) (CacheEntry, error) {
	b, err := m.db.Get(entryDBKey(store, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return CacheEntry{}, err
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, fmt.Errorf("decode entry %q: %w", key, err)
	}
	return ent, nil
}

// Put stores resp under req in the named store, creating the store on
// demand. Replacing a key counts as a new insertion.
func (m *StoreManager) Put(store string, req *Request, resp *Response) error {
	if err := m.Open(store); err != nil {
		return err
	}
	key := req.Key()
	ent := CacheEntry{
		Method:   strings.ToUpper(req.Method),
		URL:      req.URL.String(),
		Status:   resp.Status,
		Header:   cloneHeader(resp.Header),
		Body:     append([]byte(nil), resp.Body...),
		StoredAt: time.Now().UnixNano(),
		Seq:      m.seq.Add(1),
	}
	if ent.Method == "" {
		ent.Method = "GET"
	}
	ent.Header.Del("Content-Length")

	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	if old, err := m.peek(store, key); err == nil {
		batch.Delete(orderDBKey(store, old.Seq))
	}
	batch.Put(entryDBKey(store, key), b)
	batch.Put(orderDBKey(store, ent.Seq), []byte(key))
	if err := m.db.Write(batch, nil); err != nil {
		return err
	}
	m.ram.Put(store+sep+key, ent)
	return nil
}

// Delete removes one entry. It reports whether the entry existed.
func (m *StoreManager) Delete(store string, req *Request) (bool, error) {
	if m.closed.Load() {
		return false, ErrClosed
	}
	key := req.Key()
	old, err := m.peek(store, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	batch := new(leveldb.Batch)
	batch.Delete(entryDBKey(store, key))
	batch.Delete(orderDBKey(store, old.Seq))
	if err := m.db.Write(batch, nil); err != nil {
		return false, err
	}
	m.ram.Delete(store + sep + key)
	return true, nil
}

// DeleteStore drops a store with all of its entries.
func (m *StoreManager) DeleteStore(name string) (bool, error) {
	ok, err := m.HasStore(name)
	if err != nil || !ok {
		return false, err
	}
	batch := new(leveldb.Batch)
	for _, prefix := range []string{prefixEntry, prefixOrder} {
		it := m.db.NewIterator(util.BytesPrefix([]byte(prefix+name+sep)), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return false, err
		}
	}
	batch.Delete([]byte(prefixStore + name))
	if err := m.db.Write(batch, nil); err != nil {
		return false, err
	}
	m.ram.DeletePrefix(name + sep)
	return true, nil
}

type orderRecord struct {
	seq uint64
	key string
}

// records returns the live insertion order of a store. Order records whose
// entry was since replaced by a concurrent writer are skipped.
func (m *StoreManager) records(store string) ([]orderRecord, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	prefix := []byte(prefixOrder + store + sep)
	it := m.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []orderRecord
	for it.Next() {
		var seq uint64
		if _, err := fmt.Sscanf(string(it.Key()[len(prefix):]), "%016x", &seq); err != nil {
			continue
		}
		key := string(it.Value())
		ent, err := m.peek(store, key)
		if err != nil || ent.Seq != seq {
			continue
		}
		out = append(out, orderRecord{seq: seq, key: key})
	}
	return out, it.Error()
}

// Keys lists the requests of a store, oldest insertion first.
func (m *StoreManager) Keys(store string) ([]*Request, error) {
	recs, err := m.records(store)
	if err != nil {
		return nil, err
	}
	out := make([]*Request, 0, len(recs))
	for _, r := range recs {
		out = append(out, requestFromKey(r.key))
	}
	return out, nil
}

// EvictOldest trims the store to ceiling entries, removing the oldest
// insertions first. It returns how many entries were removed.
func (m *StoreManager) EvictOldest(store string, ceiling int) (int, error) {
	if ceiling < 0 {
		ceiling = 0
	}
	recs, err := m.records(store)
	if err != nil {
		return 0, err
	}
	if len(recs) <= ceiling {
		return 0, nil
	}
	victims := recs[:len(recs)-ceiling]
	batch := new(leveldb.Batch)
	for _, r := range victims {
		batch.Delete(entryDBKey(store, r.key))
		batch.Delete(orderDBKey(store, r.seq))
	}
	if err := m.db.Write(batch, nil); err != nil {
		return 0, err
	}
	for _, r := range victims {
		m.ram.Delete(store + sep + r.key)
	}
	return len(victims), nil
}

func entryDBKey(store, key string) []byte {
	return []byte(prefixEntry + store + sep + key)
}

func orderDBKey(store string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s%s%016x", prefixOrder, store, sep, seq))
}

func requestFromKey(key string) *Request {
	method, raw, ok := strings.Cut(key, " ")
	if !ok {
		raw, method = key, "GET"
	}
	r, err := NewRequest(raw)
	if err != nil {
		r = &Request{URL: &url.URL{Path: raw}, Header: make(http.Header)}
	}
	r.Method = method
	return r
}

// ---- ram tier ----

type ramItem struct {
	key  string
	ent  CacheEntry
	size int64
}

// ramCache is a byte-bounded LRU. A zero max disables it.
//
// Every write or invalidation bumps gen. Read-through fills carry the gen
// they observed before reading disk and are dropped if it moved, so a fill
// racing a delete never resurrects the deleted row.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*list.Element
	lru   *list.List // front is most recently used
	total int64
	gen   uint64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*list.Element{}, lru: list.New()}
}

func entrySize(key string, ent CacheEntry) int64 {
	n := len(key) + len(ent.URL) + len(ent.Body)
	for k, vs := range ent.Header {
		n += len(k)
		for _, v := range vs {
			n += len(v)
		}
	}
	return int64(n)
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Gen returns the invalidation counter to pass to Fill.
func (c *ramCache) Gen() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *ramCache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return CacheEntry{}, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*ramItem).ent, true
}

// Put stores a freshly written entry.
func (c *ramCache) Put(key string, ent CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.setLocked(key, ent)
}

// Fill caches an entry read from disk unless the tier was written or
// invalidated since seen.
func (c *ramCache) Fill(key string, ent CacheEntry, seen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != seen {
		return false
	}
	c.setLocked(key, ent)
	return true
}

func (c *ramCache) setLocked(key string, ent CacheEntry) {
	sz := entrySize(key, ent)
	if c.maxBytes <= 0 || sz > c.maxBytes {
		if el, ok := c.items[key]; ok {
			c.dropLocked(el)
		}
		return
	}
	if el, ok := c.items[key]; ok {
		it := el.Value.(*ramItem)
		c.total += sz - it.size
		it.ent, it.size = ent, sz
		c.lru.MoveToFront(el)
	} else {
		c.items[key] = c.lru.PushFront(&ramItem{key: key, ent: ent, size: sz})
		c.total += sz
	}
	for c.total > c.maxBytes {
		c.dropLocked(c.lru.Back())
	}
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if el, ok := c.items[key]; ok {
		c.dropLocked(el)
	}
}

func (c *ramCache) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	for k, el := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.dropLocked(el)
		}
	}
}

func (c *ramCache) dropLocked(el *list.Element) {
	it := c.lru.Remove(el).(*ramItem)
	delete(c.items, it.key)
	c.total -= it.size
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
