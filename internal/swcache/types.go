package swcache

import (
	"net/http"
	"net/url"
	"strings"
)

// Destination is the fetch destination of a request ("document", "image",
// "script", ...). The HTTP host takes it from Sec-Fetch-Dest.
type Destination string

const (
	DestinationDocument Destination = "document"
	DestinationImage    Destination = "image"
)

// ModeNavigate marks a top-level navigation request.
const ModeNavigate = "navigate"

type Request struct {
	Method      string
	URL         *url.URL
	Header      http.Header
	Destination Destination
	Mode        string
	Body        []byte
}

// NewRequest builds a GET request descriptor for rawURL.
func NewRequest(rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &Request{Method: http.MethodGet, URL: u, Header: make(http.Header)}, nil
}

func (r *Request) IsNavigation() bool { return r.Mode == ModeNavigate }

// Key is the (method, url) cache key. Fragments never take part in matching.
func (r *Request) Key() string {
	return entryKey(r.Method, r.URL)
}

func entryKey(method string, u *url.URL) string {
	if method == "" {
		method = http.MethodGet
	}
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return strings.ToUpper(method) + " " + c.String()
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	b := make([]byte, len(r.Body))
	copy(b, r.Body)
	return &Response{Status: r.Status, Header: cloneHeader(r.Header), Body: b}
}

type CacheEntry struct {
	Method   string
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix nanoseconds

	// Seq is the manager-wide insertion counter; lower means older.
	Seq uint64
}

func (e CacheEntry) Response() *Response {
	return (&Response{Status: e.Status, Header: e.Header, Body: e.Body}).Clone()
}

// CacheStore is the meta record of a named partition.
type CacheStore struct {
	Name       string
	Generation string
	Created    uint64
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
