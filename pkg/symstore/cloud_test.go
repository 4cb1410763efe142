package symstore

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/backoff"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/remotesym/pkg/signature"
)

func newTestCloudClient(url string) *CloudClient {
	return NewCloudClient(log.NewNopLogger(), CloudClientConfig{
		BaseURL: url,
		BackoffConfig: backoff.Config{
			MinBackoff: time.Millisecond,
			MaxBackoff: 5 * time.Millisecond,
			MaxRetries: 3,
		},
		NotFoundCacheSize: 16,
		NotFoundCacheTTL:  time.Minute,
	}, nil)
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestCloudClient_Fetch(t *testing.T) {
	var gz, zs bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, _ = gw.Write([]byte("gzipped symbols"))
	require.NoError(t, gw.Close())
	zw, err := zstd.NewWriter(&zs)
	require.NoError(t, err)
	_, _ = zw.Write([]byte("zstd symbols"))
	require.NoError(t, zw.Close())

	objects := map[string][]byte{}
	objects["/mojo/symbols/"+testSig.String()] = []byte("plain symbols")
	objects["/mojo/symbols/1111111111111111111111111111111111111111"] = gz.Bytes()
	objects["/mojo/symbols/2222222222222222222222222222222222222222"] = zs.Bytes()
	objects["/mojo/symbols/3333333333333333333333333333333333333333"] = []byte{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := objects[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	c := newTestCloudClient(srv.URL + "/mojo/symbols/")
	assert.Equal(t, srv.URL+"/mojo/symbols/"+testSig.String(), c.URL(testSig))

	for sig, want := range map[signature.Signature]string{
		"3f786850e387550fdab836ed7e6dc881de23001b": "plain symbols",
		"1111111111111111111111111111111111111111": "gzipped symbols",
		"2222222222222222222222222222222222222222": "zstd symbols",
		"3333333333333333333333333333333333333333": "",
	} {
		rc, err := c.Fetch(context.Background(), sig)
		require.NoError(t, err, sig)
		assert.Equal(t, want, readAll(t, rc), sig)
	}
}

func TestCloudClient_NotFoundIsCached(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := newTestCloudClient(srv.URL)
	for i := 0; i < 3; i++ {
		_, err := c.Fetch(context.Background(), testSig)
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
		assert.False(t, IsTransient(err))
	}
	assert.Equal(t, int32(1), requests.Load())
}

func TestCloudClient_Retries(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("finally"))
	}))
	defer srv.Close()

	rc, err := newTestCloudClient(srv.URL).Fetch(context.Background(), testSig)
	require.NoError(t, err)
	assert.Equal(t, "finally", readAll(t, rc))
	assert.Equal(t, int32(3), requests.Load())
}

func TestCloudClient_GivesUp(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestCloudClient(srv.URL).Fetch(context.Background(), testSig)
	require.Error(t, err)
	code, ok := isHTTPStatusError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(3), requests.Load())
}

func TestCloudClient_NoRetryOnClientError(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestCloudClient(srv.URL).Fetch(context.Background(), testSig)
	require.Error(t, err)
	assert.Equal(t, int32(1), requests.Load())
}

func TestCloudClient_InvalidSignature(t *testing.T) {
	c := newTestCloudClient("http://127.0.0.1:1")
	_, err := c.Fetch(context.Background(), "../etc/passwd")
	require.Error(t, err)
	assert.True(t, isInvalidSignatureError(err))
}

func TestStore_WithCloudClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(cloudImage)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.CloudURL = srv.URL
	s, err := NewCloud(log.NewNopLogger(), cfg, nil)
	require.NoError(t, err)

	p, err := s.FetchOrDownload(context.Background(), cloudSig, "/data/app/lib/libfoo.so", nil)
	require.NoError(t, err)
	srv.Close()

	p2, ok := s.Lookup(cloudSig)
	require.True(t, ok)
	assert.Equal(t, p, p2)
}

func TestCategorizeHTTPStatusCode(t *testing.T) {
	assert.Equal(t, statusErrorNotFound, categorizeHTTPStatusCode(404))
	assert.Equal(t, statusErrorUnauthorized, categorizeHTTPStatusCode(403))
	assert.Equal(t, statusErrorRateLimited, categorizeHTTPStatusCode(429))
	assert.Equal(t, statusErrorClientError, categorizeHTTPStatusCode(400))
	assert.Equal(t, statusErrorServerError, categorizeHTTPStatusCode(502))
	assert.Equal(t, statusErrorHTTPOther, categorizeHTTPStatusCode(302))
}
