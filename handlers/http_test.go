package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-recordings/health"
	"github.com/Yulian302/lfusys-services-recordings/locks"
	"github.com/Yulian302/lfusys-services-recordings/logging"
	"github.com/Yulian302/lfusys-services-recordings/media"
	"github.com/Yulian302/lfusys-services-recordings/metrics"
	"github.com/Yulian302/lfusys-services-recordings/services"
	"github.com/Yulian302/lfusys-services-recordings/storage"
	"github.com/Yulian302/lfusys-services-recordings/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const maxChunk = 1 << 20

type failingCheck struct{}

func (failingCheck) IsReady(context.Context) error { return errors.New("unreachable") }
func (failingCheck) Name() string                  { return "Broken" }

func newServer(t *testing.T, checks ...health.ReadinessCheck) (*httptest.Server, *storage.MemoryPublisher) {
	t.Helper()

	logger := logging.NewNopLogger()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	pub := storage.NewMemoryPublisher("recordings")
	chunks := store.NewMemoryChunkStore()

	pipeline := services.NewPipelineServiceImpl(
		chunks,
		store.NewMemorySessionStore(),
		media.NewEngine(media.WAVMerger{}, media.FormatWAV, t.TempDir(), logger),
		media.NewVerifier(media.NewSniffingProber(nil), media.DefaultTolerance, 2, logger),
		pub,
		locks.NewMemoryLocker(),
		m,
		logger,
		services.PipelineConfig{AccessURLTTL: time.Hour, MaxChunkBytes: maxChunk},
	)

	checks = append([]health.ReadinessCheck{chunks, pub}, checks...)
	h := NewHTTPHandler(pipeline, m, reg, checks, maxChunk, logger)
	srv := httptest.NewServer(h.Routes(nil))
	t.Cleanup(srv.Close)
	return srv, pub
}

func wavChunk(t *testing.T, seconds float64) []byte {
	t.Helper()
	data, err := media.EncodeWAV(make([]int16, int(seconds*8000)), 8000)
	require.NoError(t, err)
	return data
}

func uploadChunk(t *testing.T, srv *httptest.Server, fields map[string]string, contentType string, payload []byte) *http.Response {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="audio"; filename="chunk.wav"`)
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/api/v1/audio/add", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func do(t *testing.T, method, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestUploadMergeRemove(t *testing.T) {
	srv, pub := newServer(t)

	for i, d := range []float64{2.0, 1.5, 2.5} {
		resp := uploadChunk(t, srv, map[string]string{"timestamp": "abc"}, "audio/wav", wavChunk(t, d))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode(t, resp)
		assert.Equal(t, "abc", body["sessionKey"])
		assert.EqualValues(t, i, body["index"])
	}

	resp := do(t, http.MethodPost, srv.URL+"/api/v1/audio/merge/abc")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.NotEmpty(t, body["accessUrl"])
	assert.Greater(t, body["expiresInSeconds"].(float64), 0.0)
	assert.Equal(t, "abc.wav", body["storageKey"])
	assert.InDelta(t, 6.0, body["durationSeconds"].(float64), 1.0)
	assert.Equal(t, 1, pub.Len())

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/audio/abc")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "published", decode(t, resp)["state"])

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/audio/abc/access")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, decode(t, resp)["accessUrl"])

	resp = do(t, http.MethodDelete, srv.URL+"/api/v1/audio/remove/abc")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodDelete, srv.URL+"/api/v1/audio/remove/abc")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NotFound", decode(t, resp)["errorKind"])
}

func TestUploadGeneratesSessionKey(t *testing.T) {
	srv, _ := newServer(t)

	resp := uploadChunk(t, srv, nil, "audio/wav", wavChunk(t, 1))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	key, _ := decode(t, resp)["sessionKey"].(string)
	assert.NotEmpty(t, key)
}

func TestUploadRejections(t *testing.T) {
	srv, _ := newServer(t)

	cases := []struct {
		name        string
		fields      map[string]string
		contentType string
		payload     []byte
		status      int
		kind        string
	}{
		{"bad mime", map[string]string{"timestamp": "abc"}, "image/png", []byte("x"), http.StatusBadRequest, "InvalidChunk"},
		{"bad index", map[string]string{"timestamp": "abc", "index": "one"}, "audio/wav", []byte("x"), http.StatusBadRequest, "InvalidChunk"},
		{"bad key", map[string]string{"timestamp": "a/b"}, "audio/wav", []byte("x"), http.StatusBadRequest, "InvalidSession"},
		{"too large", map[string]string{"timestamp": "abc"}, "audio/wav", make([]byte, maxChunk+1), http.StatusBadRequest, "InvalidChunk"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := uploadChunk(t, srv, tc.fields, tc.contentType, tc.payload)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, tc.kind, decode(t, resp)["errorKind"])
		})
	}
}

func TestMergeErrors(t *testing.T) {
	srv, pub := newServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/api/v1/audio/merge/empty")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "EmptySession", decode(t, resp)["errorKind"])

	resp = uploadChunk(t, srv, map[string]string{"timestamp": "gap", "index": "1"}, "audio/wav", wavChunk(t, 1))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = do(t, http.MethodPost, srv.URL+"/api/v1/audio/merge/gap")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "NonContiguousChunks", decode(t, resp)["errorKind"])

	resp = uploadChunk(t, srv, map[string]string{"timestamp": "down"}, "audio/wav", wavChunk(t, 1))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pub.SetOutage(errors.New("connection refused"))
	resp = do(t, http.MethodPost, srv.URL+"/api/v1/audio/merge/down")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "StorageUnavailable", decode(t, resp)["errorKind"])

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/audio/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/readyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(buf.String(), "recordings_http_requests_total"))
}

func TestReadyzReportsFailingCheck(t *testing.T) {
	srv, _ := newServer(t, failingCheck{})

	resp := do(t, http.MethodGet, srv.URL+"/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	checks := decode(t, resp)["checks"].(map[string]any)
	assert.Equal(t, "unreachable", checks["Broken"])
	assert.Equal(t, "ok", checks["ChunkStore[memory]"])
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newServer(t)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/audio/add", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
