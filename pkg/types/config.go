package types

import (
	"time"
)

// Backend names for the FUSE binding used by a mount.
const (
	BackendGoFuse  = "gofuse"  // hanwen/go-fuse node API (Linux)
	BackendCgoFuse = "cgofuse" // winfsp/cgofuse path API (macOS FUSE-T, Windows)
)

// AppConfig is the root configuration for a soundfs mount
type AppConfig struct {
	DebugMode  bool `key:"debugMode" json:"debug_mode"`
	PrettyLogs bool `key:"prettyLogs" json:"pretty_logs"`

	Cache   CacheConfig   `key:"cache" json:"cache"`
	Stream  StreamConfig  `key:"stream" json:"stream"`
	Retry   RetryConfig   `key:"retry" json:"retry"`
	Catalog CatalogConfig `key:"catalog" json:"catalog"`
	Layout  LayoutConfig  `key:"layout" json:"layout"`
	Mount   MountConfig   `key:"mount" json:"mount"`
}

// ----------------------------------------------------------------------------
// Core tunables
// ----------------------------------------------------------------------------

// CacheConfig bounds the metadata and range caches owned by a mount session.
type CacheConfig struct {
	DirTTL        time.Duration `key:"dirTTL" json:"dir_ttl"`
	TrackTTL      time.Duration `key:"trackTTL" json:"track_ttl"`
	MaxEntries    int           `key:"maxEntries" json:"max_entries"`
	MaxRangeBytes int64         `key:"maxRangeBytes" json:"max_range_bytes"`
	NegativeTTL   time.Duration `key:"negativeTTL" json:"negative_ttl"`
}

type StreamConfig struct {
	MinFetchChunkBytes int64         `key:"minFetchChunkBytes" json:"min_fetch_chunk_bytes"`
	FetchTimeout       time.Duration `key:"fetchTimeout" json:"fetch_timeout"`
	MaxParallelGaps    int           `key:"maxParallelGaps" json:"max_parallel_gaps"`
	URLSafetyMargin    time.Duration `key:"urlSafetyMargin" json:"url_safety_margin"`
}

// RetryConfig drives bounded exponential backoff for transient remote failures.
// RateLimitDelay is the floor used when the remote throttles without a hint.
type RetryConfig struct {
	MaxAttempts    int           `key:"maxAttempts" json:"max_attempts"`
	BaseDelay      time.Duration `key:"baseDelay" json:"base_delay"`
	MaxDelay       time.Duration `key:"maxDelay" json:"max_delay"`
	RateLimitDelay time.Duration `key:"rateLimitDelay" json:"rate_limit_delay"`
}

// ----------------------------------------------------------------------------
// Remote catalog
// ----------------------------------------------------------------------------

type CatalogConfig struct {
	APIBase           string        `key:"apiBase" json:"api_base"`
	ClientID          string        `key:"clientId" json:"client_id"`
	Token             string        `key:"token" json:"token"`
	Account           string        `key:"account" json:"account"`
	RequestsPerSecond float64       `key:"requestsPerSecond" json:"requests_per_second"`
	Burst             int           `key:"burst" json:"burst"`
	PageSize          int           `key:"pageSize" json:"page_size"`
	RequestTimeout    time.Duration `key:"requestTimeout" json:"request_timeout"`
}

// ----------------------------------------------------------------------------
// Namespace layout
// ----------------------------------------------------------------------------

// Category kinds understood by the resolver.
const (
	CategoryLikes     = "likes"
	CategoryPlaylists = "playlists"
	CategoryTracks    = "tracks"
	CategoryFollowing = "following"
)

// CategoryConfig is one top-level synthetic directory. Account defaults to
// catalog.account when empty.
type CategoryConfig struct {
	Name    string `key:"name" json:"name"`
	Kind    string `key:"kind" json:"kind"`
	Account string `key:"account" json:"account"`
}

type LayoutConfig struct {
	Categories []CategoryConfig `key:"categories" json:"categories"`
	// UsersDir is the name of the top-level directory holding per-user trees.
	// Empty disables the users layout.
	UsersDir string   `key:"usersDir" json:"users_dir"`
	Users    []string `key:"users" json:"users"`
}

// ----------------------------------------------------------------------------
// Mount
// ----------------------------------------------------------------------------

type MountConfig struct {
	Backend      string        `key:"backend" json:"backend"`
	AllowOther   bool          `key:"allowOther" json:"allow_other"`
	EntryTimeout time.Duration `key:"entryTimeout" json:"entry_timeout"`
	AttrTimeout  time.Duration `key:"attrTimeout" json:"attr_timeout"`
	StatusAddr   string        `key:"statusAddr" json:"status_addr"`
	Uid          *uint32       `key:"uid" json:"uid"`
	Gid          *uint32       `key:"gid" json:"gid"`
	Trace        TraceConfig   `key:"trace" json:"trace"`
}

// TraceConfig enables periodic per-operation counters for the FUSE layer.
// A zero SlowThreshold turns off slow-op logging.
type TraceConfig struct {
	Enabled       bool          `key:"enabled" json:"enabled"`
	Interval      time.Duration `key:"interval" json:"interval"`
	SlowThreshold time.Duration `key:"slowThreshold" json:"slow_threshold"`
}
