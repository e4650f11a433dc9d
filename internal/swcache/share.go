package swcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxShareMemory = 32 << 20

// SharedContent is what another application handed over through the
// share sheet.
type SharedContent struct {
	Title     string `json:"title"`
	Text      string `json:"text"`
	URL       string `json:"url"`
	FileCount int    `json:"fileCount"`
	SharedAt  int64  `json:"sharedAt"` // unix milliseconds
}

// ShareHandler accepts share-target submissions and stages them in the
// dynamic store for the application shell.
type ShareHandler struct {
	cfg   *Config
	store *StoreManager
}

func NewShareHandler(cfg *Config, store *StoreManager) *ShareHandler {
	return &ShareHandler{cfg: cfg, store: store}
}

func (h *ShareHandler) Matches(req *Request) bool {
	return strings.EqualFold(req.Method, http.MethodPost) && req.URL != nil && req.URL.Path == h.cfg.Share.Path
}

func (h *ShareHandler) HandleShare(_ context.Context, req *Request) (*Response, error) {
	sc := parseShare(req)
	sc.SharedAt = time.Now().UnixMilli()

	b, err := json.Marshal(sc)
	if err != nil {
		return nil, err
	}
	key, err := h.key()
	if err != nil {
		return nil, err
	}
	stored := &Response{Status: http.StatusOK, Header: http.Header{"Content-Type": {"application/json"}}, Body: b}
	if err := h.store.Put(h.cfg.StoreName(h.cfg.Partitions.Dynamic.Name), key, stored); err != nil {
		// The redirect still happens; the shell just finds nothing pending.
		log.Printf("share: stage %s: %v", key.URL, err)
	}

	resp := &Response{Status: http.StatusSeeOther, Header: make(http.Header)}
	resp.Header.Set("Location", h.cfg.Share.Redirect)
	resp.Header.Set(OutcomeHeader, OutcomeShare)
	return resp, nil
}

// Take returns the staged content and removes it.
func (h *ShareHandler) Take() (SharedContent, bool, error) {
	key, err := h.key()
	if err != nil {
		return SharedContent{}, false, err
	}
	store := h.cfg.StoreName(h.cfg.Partitions.Dynamic.Name)
	ent, err := h.store.Match(key, MatchOptions{Partition: store})
	if errors.Is(err, ErrNotFound) {
		return SharedContent{}, false, nil
	}
	if err != nil {
		return SharedContent{}, false, err
	}
	var sc SharedContent
	if err := json.Unmarshal(ent.Body, &sc); err != nil {
		return SharedContent{}, false, fmt.Errorf("decode shared content: %w", err)
	}
	if _, err := h.store.Delete(store, key); err != nil {
		return sc, true, err
	}
	return sc, true, nil
}

func (h *ShareHandler) key() (*Request, error) {
	u, err := h.cfg.resolve(h.cfg.Share.Key)
	if err != nil {
		return nil, err
	}
	return &Request{Method: http.MethodGet, URL: u, Header: http.Header{}}, nil
}

// parseShare reads the submission defensively: anything missing or
// malformed comes back as an empty string or zero.
func parseShare(req *Request) SharedContent {
	var sc SharedContent
	mt, params, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if err != nil {
		return sc
	}
	switch mt {
	case "multipart/form-data":
		form, err := multipart.NewReader(bytes.NewReader(req.Body), params["boundary"]).ReadForm(maxShareMemory)
		if err != nil {
			log.Printf("share: multipart: %v", err)
			return sc
		}
		defer form.RemoveAll()
		sc.Title = first(form.Value["title"])
		sc.Text = first(form.Value["text"])
		sc.URL = first(form.Value["url"])
		sc.FileCount = len(form.File["files"])
	case "application/x-www-form-urlencoded":
		vals, err := url.ParseQuery(string(req.Body))
		if err != nil {
			return sc
		}
		sc.Title, sc.Text, sc.URL = vals.Get("title"), vals.Get("text"), vals.Get("url")
	}
	return sc
}

func first(vs []string) string {
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}
