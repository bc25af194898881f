package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFSErrorMatchesSentinel(t *testing.T) {
	tests := []struct {
		kind     ErrorKind
		sentinel error
	}{
		{KindNotFound, ErrNotFound},
		{KindTransient, ErrTransient},
		{KindPermanent, ErrPermanent},
		{KindRateLimited, ErrRateLimited},
		{KindReadOnly, ErrReadOnly},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			err := fmt.Errorf("outer: %w", NewError(tt.kind, "op", "key", nil))
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, tt.kind, KindOf(err))
		})
	}
}

func TestWrapKeepsKind(t *testing.T) {
	inner := &FSError{Kind: KindRateLimited, RetryAfter: time.Second, Err: errors.New("429")}
	err := Wrap("resolve", "track:1", inner)

	var fe *FSError
	assert.True(t, errors.As(err, &fe))
	assert.Equal(t, KindRateLimited, fe.Kind)
	assert.Equal(t, "resolve", fe.Op)
	assert.Equal(t, time.Second, fe.RetryAfter)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestWrapUnclassifiedIsTransient(t *testing.T) {
	err := Wrap("read", "track:1", errors.New("connection reset"))
	assert.Equal(t, KindTransient, KindOf(err))
	assert.True(t, KindOf(err).Retryable())
	assert.Nil(t, Wrap("read", "x", nil))
}

func TestEstimateSize(t *testing.T) {
	assert.Equal(t, int64(16000), EstimateSize(1000))
	assert.Equal(t, int64(0), EstimateSize(0))

	facts := TrackFacts{DurationMs: 2000}
	assert.Equal(t, int64(32000), facts.EffectiveSize())
	facts.Size = 10
	assert.Equal(t, int64(10), facts.EffectiveSize())
}

func TestTrackExt(t *testing.T) {
	assert.Equal(t, "mp3", (&TrackFacts{ContentType: "audio/mpeg"}).Ext())
	assert.Equal(t, "m4a", (&TrackFacts{ContentType: "audio/mp4; codecs=mp4a"}).Ext())
	assert.Equal(t, "ogg", (&TrackFacts{ContentType: "audio/ogg"}).Ext())
	assert.Equal(t, "mp3", (&TrackFacts{}).Ext())
}

func TestStreamURLExpired(t *testing.T) {
	now := time.Now()
	assert.False(t, StreamURL{URL: "u"}.Expired(now, time.Minute))
	assert.True(t, StreamURL{URL: "u", ExpiresAt: now.Add(30 * time.Second)}.Expired(now, time.Minute))
	assert.False(t, StreamURL{URL: "u", ExpiresAt: now.Add(time.Hour)}.Expired(now, time.Minute))
}
