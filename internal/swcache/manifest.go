package swcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// precacheList is the static manifest followed by every same-origin URL
// found in the configured sitemaps, deduplicated, manifest order first.
func (l *Lifecycle) precacheList(ctx context.Context) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(ref string) {
		u, err := l.cfg.resolve(ref)
		if err != nil {
			log.Printf("install: bad manifest entry %q: %v", ref, err)
			return
		}
		s := u.String()
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	for _, ref := range l.cfg.Precache.Manifest {
		if strings.TrimSpace(ref) != "" {
			add(ref)
		}
	}
	if len(l.cfg.Precache.Sitemaps) > 0 {
		locs, err := l.discover(ctx)
		if err != nil {
			log.Printf("install: sitemap discovery: %v", err)
		}
		for _, loc := range locs {
			add(loc)
		}
	}
	return out
}

// discover walks the configured sitemaps, following nested sitemap
// indexes. It returns what it found so far together with the first error.
func (l *Lifecycle) discover(ctx context.Context) ([]string, error) {
	seenSitemaps := map[string]struct{}{}
	queue := append([]string(nil), l.cfg.Precache.Sitemaps...)
	var locs []string

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return locs, err
		}
		ref := strings.TrimSpace(queue[0])
		queue = queue[1:]
		if ref == "" {
			continue
		}
		u, err := l.cfg.resolve(ref)
		if err != nil {
			return locs, err
		}
		if _, ok := seenSitemaps[u.String()]; ok {
			continue
		}
		seenSitemaps[u.String()] = struct{}{}

		doc, err := l.fetchSitemap(ctx, u)
		if err != nil {
			return locs, fmt.Errorf("fetch sitemap %q: %w", u, err)
		}
		queue = append(queue, doc.Sitemaps...)

		kept := 0
		for _, loc := range doc.URLs {
			if l.sameOrigin(loc) {
				locs = append(locs, loc)
				kept++
			}
		}
		log.Printf("install: sitemap=%q urls=%d kept=%d", u, len(doc.URLs), kept)
	}
	return locs, nil
}

func (l *Lifecycle) sameOrigin(loc string) bool {
	u, err := url.Parse(strings.TrimSpace(loc))
	if err != nil || loc == "" {
		return false
	}
	if !u.IsAbs() {
		return true
	}
	o := l.cfg.originURL
	return o != nil && strings.EqualFold(u.Scheme, o.Scheme) && strings.EqualFold(u.Host, o.Host)
}

func (l *Lifecycle) fetchSitemap(ctx context.Context, u *url.URL) (sitemapDoc, error) {
	resp, err := l.net.Fetch(ctx, &Request{Method: "GET", URL: u, Header: http.Header{}})
	if err != nil {
		return sitemapDoc{}, err
	}
	if !resp.OK() {
		b := resp.Body
		if len(b) > 2048 {
			b = b[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	body := resp.Body
	// A .gz URL may or may not have been decoded in transit; trust the magic.
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return sitemapDoc{}, err
		}
		defer gz.Close()
		if body, err = io.ReadAll(gz); err != nil {
			return sitemapDoc{}, err
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
