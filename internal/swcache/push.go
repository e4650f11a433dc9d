package swcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

type PushDescriptor struct {
	ID                 string               `json:"id"`
	Title              string               `json:"title"`
	Body               string               `json:"body"`
	Icon               string               `json:"icon,omitempty"`
	Badge              string               `json:"badge,omitempty"`
	Image              string               `json:"image,omitempty"`
	Data               map[string]any       `json:"data,omitempty"`
	Actions            []NotificationAction `json:"actions,omitempty"`
	Tag                string               `json:"tag,omitempty"`
	RequireInteraction bool                 `json:"requireInteraction"`
	Timestamp          int64                `json:"timestamp"` // unix milliseconds
}

// pushPayload is the wire shape of an inbound push message.
type pushPayload struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Image   string               `json:"image"`
	Data    map[string]any       `json:"data"`
	Actions []NotificationAction `json:"actions"`
	Tag     string               `json:"tag"`
	Urgent  bool                 `json:"urgent"`
}

// Notifier renders notifications on the platform.
type Notifier interface {
	Show(ctx context.Context, d PushDescriptor) error
	Close(ctx context.Context, id string) error
}

// Window is an open application window.
type Window interface {
	URL() string
	Focus(ctx context.Context) error
}

type Clients interface {
	Windows(ctx context.Context) ([]Window, error)
	OpenWindow(ctx context.Context, url string) (Window, error)
}

const ActionDismiss = "dismiss"

type ClickOutcome string

const (
	ClickDismissed ClickOutcome = "dismissed"
	ClickFocused   ClickOutcome = "focused"
	ClickOpened    ClickOutcome = "opened"
)

type PushAgent struct {
	cfg      *Config
	notifier Notifier
	clients  Clients
	shown    *shownLog

	now func() time.Time
}

// NewPushAgent keeps the descriptors of shown notifications in db so a
// click after a restart still finds its target URL.
func NewPushAgent(cfg *Config, notifier Notifier, clients Clients, db *leveldb.DB) *PushAgent {
	return &PushAgent{
		cfg:      cfg,
		notifier: notifier,
		clients:  clients,
		shown:    &shownLog{db: db},
		now:      time.Now,
	}
}

// decodePayload reads each field on its own. A field of the wrong type is
// dropped without discarding the rest of the payload.
func decodePayload(payload []byte) pushPayload {
	var in pushPayload
	if len(bytes.TrimSpace(payload)) == 0 {
		return in
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		log.Printf("push: payload is not a json object, using fallback: %v", err)
		return in
	}
	decodeField(fields, "title", &in.Title)
	decodeField(fields, "body", &in.Body)
	decodeField(fields, "image", &in.Image)
	decodeField(fields, "data", &in.Data)
	decodeField(fields, "actions", &in.Actions)
	decodeField(fields, "tag", &in.Tag)
	decodeField(fields, "urgent", &in.Urgent)
	return in
}

func decodeField[T any](fields map[string]json.RawMessage, name string, dst *T) {
	raw, ok := fields[name]
	if !ok {
		return
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		log.Printf("push: ignoring field %q: %v", name, err)
		return
	}
	*dst = v
}

// Describe maps a payload to a descriptor. It never fails: payloads that
// are absent or not JSON get the generic title and body.
func (p *PushAgent) Describe(payload []byte) PushDescriptor {
	in := decodePayload(payload)
	d := PushDescriptor{
		ID:                 uuid.NewString(),
		Title:              in.Title,
		Body:               in.Body,
		Icon:               p.cfg.Push.Icon,
		Badge:              p.cfg.Push.Badge,
		Image:              in.Image,
		Data:               in.Data,
		Actions:            in.Actions,
		Tag:                in.Tag,
		RequireInteraction: in.Urgent,
		Timestamp:          p.now().UnixMilli(),
	}
	if d.Title == "" {
		d.Title = p.cfg.Push.FallbackTitle
	}
	if d.Body == "" {
		d.Body = p.cfg.Push.FallbackBody
	}
	if d.Data == nil {
		d.Data = map[string]any{}
	}
	return d
}

func (p *PushAgent) HandlePush(ctx context.Context, payload []byte) (PushDescriptor, error) {
	d := p.Describe(payload)
	if err := p.shown.Add(d); err != nil {
		log.Printf("push: record %s: %v", d.ID, err)
	}
	var cutoff time.Time
	if p.cfg.Push.ttlDur > 0 {
		cutoff = p.now().Add(-p.cfg.Push.ttlDur)
	}
	if n, err := p.shown.Prune(cutoff, p.cfg.Push.Keep); err != nil {
		log.Printf("push: prune shown notifications: %v", err)
	} else if n > 0 {
		log.Printf("push: forgot %d shown notifications", n)
	}
	if err := p.notifier.Show(ctx, d); err != nil {
		return d, err
	}
	return d, nil
}

// HandleClick routes a notification interaction. Anything but dismiss
// focuses a window already at the target URL or opens a new one.
func (p *PushAgent) HandleClick(ctx context.Context, id, action string) (ClickOutcome, error) {
	d, ok, err := p.shown.Take(id)
	if err != nil {
		log.Printf("push: lookup %s: %v", id, err)
	}

	if err := p.notifier.Close(ctx, id); err != nil {
		log.Printf("push: close %s: %v", id, err)
	}
	if action == ActionDismiss {
		return ClickDismissed, nil
	}

	target := "/"
	if ok {
		if s, _ := d.Data["url"].(string); s != "" {
			target = s
		}
	}
	want := p.absolute(target)

	wins, err := p.clients.Windows(ctx)
	if err != nil {
		return "", err
	}
	for _, w := range wins {
		if p.absolute(w.URL()) == want {
			return ClickFocused, w.Focus(ctx)
		}
	}
	if _, err := p.clients.OpenWindow(ctx, want); err != nil {
		return "", err
	}
	return ClickOpened, nil
}

func (p *PushAgent) absolute(ref string) string {
	u, err := p.cfg.resolve(ref)
	if err != nil {
		return ref
	}
	return u.String()
}

const prefixShown = "n:"

// shownLog holds the descriptors of notifications that were shown and not
// yet clicked, keyed n:<id>.
type shownLog struct {
	db *leveldb.DB
	mu sync.Mutex
}

func (l *shownLog) Add(d PushDescriptor) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return l.db.Put([]byte(prefixShown+d.ID), b, nil)
}

// Take returns and forgets the descriptor of id.
func (l *shownLog) Take(id string) (PushDescriptor, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := []byte(prefixShown + id)
	b, err := l.db.Get(k, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return PushDescriptor{}, false, nil
	}
	if err != nil {
		return PushDescriptor{}, false, err
	}
	if err := l.db.Delete(k, nil); err != nil {
		return PushDescriptor{}, false, err
	}
	var d PushDescriptor
	if err := json.Unmarshal(b, &d); err != nil {
		return PushDescriptor{}, false, fmt.Errorf("decode shown %s: %w", id, err)
	}
	return d, true, nil
}

// Len counts the remembered notifications.
func (l *shownLog) Len() (int, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(prefixShown)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

// Prune forgets notifications shown before cutoff and then the oldest ones
// beyond keep. It returns how many were removed.
func (l *shownLog) Prune(cutoff time.Time, keep int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	type shown struct {
		key []byte
		at  int64
	}
	var all []shown
	it := l.db.NewIterator(util.BytesPrefix([]byte(prefixShown)), nil)
	for it.Next() {
		var d PushDescriptor
		if err := json.Unmarshal(it.Value(), &d); err != nil {
			d.Timestamp = 0
		}
		all = append(all, shown{key: append([]byte(nil), it.Key()...), at: d.Timestamp})
	}
	it.Release()
	if err := it.Error(); err != nil {
		return 0, err
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].at < all[j].at })

	batch := new(leveldb.Batch)
	for i, s := range all {
		expired := !cutoff.IsZero() && s.at < cutoff.UnixMilli()
		if expired || len(all)-i > keep {
			batch.Delete(s.key)
		}
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	return batch.Len(), l.db.Write(batch, nil)
}

// logNotifier renders notifications as log lines.
type logNotifier struct{}

func NewLogNotifier() Notifier { return logNotifier{} }

func (logNotifier) Show(_ context.Context, d PushDescriptor) error {
	log.Printf("push: notification id=%s tag=%q title=%q body=%q urgent=%t", d.ID, d.Tag, d.Title, d.Body, d.RequireInteraction)
	return nil
}

func (logNotifier) Close(_ context.Context, id string) error {
	log.Printf("push: closed %s", id)
	return nil
}

// WindowRegistry is an in-memory Clients for hosts without real windows.
type WindowRegistry struct {
	mu   sync.Mutex
	wins []*registryWindow
}

type registryWindow struct {
	url     string
	focused atomic.Int32
}

func (w *registryWindow) URL() string { return w.url }

func (w *registryWindow) Focus(context.Context) error {
	w.focused.Add(1)
	return nil
}

func (r *WindowRegistry) Windows(context.Context) ([]Window, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Window, len(r.wins))
	for i, w := range r.wins {
		out[i] = w
	}
	return out, nil
}

func (r *WindowRegistry) OpenWindow(_ context.Context, url string) (Window, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := &registryWindow{url: url}
	r.wins = append(r.wins, w)
	log.Printf("push: opened window %s", url)
	return w, nil
}
