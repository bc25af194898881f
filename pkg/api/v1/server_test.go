package apiv1

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/beam-cloud/soundfs/pkg/cache"
	"github.com/beam-cloud/soundfs/pkg/namespace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	err   error
	stats Stats
}

func (f *fakeSource) Health() error { return f.err }
func (f *fakeSource) Stats() Stats  { return f.stats }

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthOK(t *testing.T) {
	s := NewServer("127.0.0.1:0", &fakeSource{}, false)

	rec := get(t, s, "/api/v1/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHealthUnmounted(t *testing.T) {
	s := NewServer("127.0.0.1:0", &fakeSource{err: errors.New("not mounted")}, false)

	rec := get(t, s, "/api/v1/health/")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not ok", body["status"])
	assert.Equal(t, "not mounted", body["error"])
}

func TestStats(t *testing.T) {
	src := &fakeSource{stats: Stats{
		MountPoint:  "/mnt/sound",
		Backend:     "gofuse",
		State:       "mounted",
		OpenHandles: 2,
		Tree:        namespace.TreeStats{Nodes: 12, Files: 7, KnownBytes: 4096},
		Metadata:    cache.MetadataStats{Entries: 3, Hits: 10, Misses: 2},
		Ranges:      cache.RangeStats{Tracks: 1, Bytes: 1024},
	}}
	s := NewServer("127.0.0.1:0", src, false)

	rec := get(t, s, "/api/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Success bool  `json:"success"`
		Data    Stats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, src.stats, body.Data)
}

func TestUnknownRoute(t *testing.T) {
	s := NewServer("127.0.0.1:0", &fakeSource{}, false)
	rec := get(t, s, "/api/v1/tracks")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, "Not Found", body.Error)
}
