package types

import (
	"strings"
	"time"
)

// DefaultBitrate is the bitrate assumed when the remote reports a duration but
// no byte size (128 kbps CBR).
const DefaultBitrate = 128000

// EstimateSize derives a byte size from a duration at DefaultBitrate.
func EstimateSize(durationMs int64) int64 {
	if durationMs <= 0 {
		return 0
	}
	return durationMs * DefaultBitrate / 8000
}

// TrackFacts is the metadata of one remote track.
type TrackFacts struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Artist        string    `json:"artist"`
	Permalink     string    `json:"permalink,omitempty"`
	UserPermalink string    `json:"user_permalink,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
	Size          int64     `json:"size"`
	SizeExact     bool      `json:"size_exact"`
	ContentType   string    `json:"content_type"`
	CreatedAt     time.Time `json:"created_at"`
	ModifiedAt    time.Time `json:"modified_at"`
}

// Ext returns the file extension implied by the content type.
func (t *TrackFacts) Ext() string {
	ct := strings.ToLower(t.ContentType)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "audio/mp4", "audio/aac", "audio/x-m4a", "audio/m4a":
		return "m4a"
	case "audio/ogg", "audio/opus":
		return "ogg"
	case "audio/flac", "audio/x-flac":
		return "flac"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	default:
		return "mp3"
	}
}

// EffectiveSize returns the reported size, or an estimate from the duration.
func (t *TrackFacts) EffectiveSize() int64 {
	if t.Size > 0 {
		return t.Size
	}
	return EstimateSize(t.DurationMs)
}

// TrackEntry is a track as it appears in a listing.
type TrackEntry struct {
	Facts   TrackFacts `json:"facts"`
	AddedAt time.Time  `json:"added_at"`
}

type PlaylistEntry struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Permalink  string    `json:"permalink"`
	TrackCount int       `json:"track_count"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

type UserEntry struct {
	ID         string    `json:"id"`
	Permalink  string    `json:"permalink"`
	Username   string    `json:"username"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Page is one page of a paginated listing. An empty Next means the listing is
// exhausted.
type Page[T any] struct {
	Entries []T
	Next    string
}

// StreamURL is a time-limited location of a track's audio bytes.
type StreamURL struct {
	URL       string
	ExpiresAt time.Time
}

// Expired reports whether the URL should be re-resolved before use.
func (s StreamURL) Expired(now time.Time, margin time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(margin).Before(s.ExpiresAt)
}
