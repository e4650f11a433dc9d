package swcache

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func multipartShare(t *testing.T, fields map[string]string, files int) *Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for i := 0; i < files; i++ {
		fw, err := mw.CreateFormFile("files", "photo.jpg")
		require.NoError(t, err)
		_, err = fw.Write([]byte("jpegbytes"))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := mustRequest(t, testOrigin+"/share-target")
	req.Method = http.MethodPost
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Body = buf.Bytes()
	return req
}

func TestShareStagesContent(t *testing.T) {
	cfg := testConfig(t)
	store := testStore(t)
	h := NewShareHandler(cfg, store)
	req := multipartShare(t, map[string]string{"title": "Look", "text": "at this", "url": "https://example.com/x"}, 2)
	require.True(t, h.Matches(req))

	resp, err := h.HandleShare(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSeeOther, resp.Status)
	assert.Equal(t, "/create?shared=true", resp.Header.Get("Location"))
	assert.Equal(t, OutcomeShare, resp.Header.Get(OutcomeHeader))

	ent, err := store.Match(mustRequest(t, testOrigin+"/shared-content"), MatchOptions{Partition: "dynamic-v1"})
	require.NoError(t, err)
	var sc SharedContent
	require.NoError(t, json.Unmarshal(ent.Body, &sc))
	assert.Equal(t, "Look", sc.Title)
	assert.Equal(t, "at this", sc.Text)
	assert.Equal(t, "https://example.com/x", sc.URL)
	assert.Equal(t, 2, sc.FileCount)
	assert.NotZero(t, sc.SharedAt)
}

func TestShareMissingFields(t *testing.T) {
	h := NewShareHandler(testConfig(t), testStore(t))
	_, err := h.HandleShare(context.Background(), multipartShare(t, map[string]string{"text": "only text"}, 0))
	require.NoError(t, err)

	sc, ok, err := h.Take()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "", sc.Title)
	assert.Equal(t, "only text", sc.Text)
	assert.Equal(t, "", sc.URL)
	assert.Zero(t, sc.FileCount)
}

func TestShareMalformedBodyStillRedirects(t *testing.T) {
	h := NewShareHandler(testConfig(t), testStore(t))
	req := mustRequest(t, testOrigin+"/share-target")
	req.Method = http.MethodPost
	req.Header.Set("Content-Type", "multipart/form-data; boundary=nope")
	req.Body = []byte("garbage")

	resp, err := h.HandleShare(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSeeOther, resp.Status)

	sc, ok, err := h.Take()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, SharedContent{SharedAt: sc.SharedAt}, sc)
}

func TestShareURLEncoded(t *testing.T) {
	h := NewShareHandler(testConfig(t), testStore(t))
	req := mustRequest(t, testOrigin+"/share-target")
	req.Method = http.MethodPost
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Body = []byte(url.Values{"title": {"T"}, "url": {"https://example.com"}}.Encode())

	_, err := h.HandleShare(context.Background(), req)
	require.NoError(t, err)
	sc, ok, err := h.Take()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "T", sc.Title)
	assert.Equal(t, "https://example.com", sc.URL)
}

func TestShareTakeRemoves(t *testing.T) {
	h := NewShareHandler(testConfig(t), testStore(t))
	_, ok, err := h.Take()
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.HandleShare(context.Background(), multipartShare(t, map[string]string{"title": "x"}, 0))
	require.NoError(t, err)
	_, ok, err = h.Take()
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = h.Take()
	require.NoError(t, err)
	assert.False(t, ok, "content is handed over once")
}

func TestShareMatches(t *testing.T) {
	h := NewShareHandler(testConfig(t), testStore(t))
	get := mustRequest(t, testOrigin+"/share-target")
	assert.False(t, h.Matches(get))

	other := mustRequest(t, testOrigin+"/share-target/extra")
	other.Method = http.MethodPost
	assert.False(t, h.Matches(other))

	post := mustRequest(t, testOrigin+"/share-target?from=os")
	post.Method = strings.ToLower(http.MethodPost)
	assert.True(t, h.Matches(post))
}
