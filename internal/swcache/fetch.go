package swcache

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// Fetcher is the network. An error means no response arrived at all;
// HTTP error statuses are responses.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

type httpFetcher struct {
	client *http.Client
	cfg    *Config
}

// NewHTTPFetcher fetches through client. Relative request URLs resolve
// against server.origin.
func NewHTTPFetcher(client *http.Client, cfg *Config) Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &httpFetcher{client: client, cfg: cfg}
}

func (f *httpFetcher) Fetch(ctx context.Context, r *Request) (*Response, error) {
	u := r.URL
	if !u.IsAbs() {
		var err error
		if u, err = f.cfg.resolve(u.String()); err != nil {
			return nil, err
		}
	}
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	out := &Response{Status: resp.StatusCode, Header: cloneHeader(resp.Header), Body: b}
	out.Header.Del("Content-Length")
	return out, nil
}

// hop-by-hop and proxy-only headers never forwarded to the network.
var skipForward = map[string]bool{
	"Host":                true,
	"Connection":          true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if skipForward[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// withTimeout applies network.timeout to a fetch. Zero leaves it unbounded.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
