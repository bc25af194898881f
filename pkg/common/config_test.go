package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/beam-cloud/soundfs/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigManagerDefaults(t *testing.T) {
	t.Setenv(ConfigPathEnv, "")

	cm, err := NewConfigManager[types.AppConfig]()
	require.NoError(t, err)

	cfg := cm.GetConfig()
	assert.Equal(t, 60*time.Second, cfg.Cache.DirTTL)
	assert.Equal(t, 30*time.Minute, cfg.Cache.TrackTTL)
	assert.Equal(t, int64(262144), cfg.Stream.MinFetchChunkBytes)
	assert.Equal(t, types.BackendGoFuse, cfg.Mount.Backend)
	require.Len(t, cfg.Layout.Categories, 2)
	assert.Equal(t, types.CategoryLikes, cfg.Layout.Categories[0].Kind)
	assert.Equal(t, types.CategoryPlaylists, cfg.Layout.Categories[1].Kind)
}

func TestConfigManagerFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "soundfs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cache:
  dirTTL: 5s
catalog:
  account: someone
layout:
  users: [alice, bob]
`), 0644))

	t.Setenv(ConfigPathEnv, path)
	t.Setenv("SOUNDFS_CACHE_TRACKTTL", "90s")
	t.Setenv("SOUNDFS_STREAM_MAXPARALLELGAPS", "2")

	cm, err := NewConfigManager[types.AppConfig]()
	require.NoError(t, err)

	cfg := cm.GetConfig()
	assert.Equal(t, 5*time.Second, cfg.Cache.DirTTL)
	assert.Equal(t, 90*time.Second, cfg.Cache.TrackTTL)
	assert.Equal(t, 2, cfg.Stream.MaxParallelGaps)
	assert.Equal(t, "someone", cfg.Catalog.Account)
	assert.Equal(t, []string{"alice", "bob"}, cfg.Layout.Users)
}

func TestConfigManagerRejectsUnknownFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "soundfs.toml")
	require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0644))
	t.Setenv(ConfigPathEnv, path)

	_, err := NewConfigManager[types.AppConfig]()
	assert.Error(t, err)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "dir:playlist:42", Keys.DirListing("playlist:42"))
	assert.Equal(t, "track:7", Keys.TrackFacts("7"))
	assert.Equal(t, "stream:range:7:0:4096", Keys.RangeFetch("7", 0, 4096))
}
