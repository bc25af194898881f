package filesystem

import (
	"errors"
	"testing"
	"time"

	"github.com/beam-cloud/soundfs/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceDisabledIsNil(t *testing.T) {
	tr := newFuseTrace(types.TraceConfig{})
	assert.Nil(t, tr)
	tr.record(opRead, "/x", time.Second, nil)
}

func TestTraceDefaultsInterval(t *testing.T) {
	tr := newFuseTrace(types.TraceConfig{Enabled: true, SlowThreshold: -time.Second})
	require.NotNil(t, tr)
	assert.Equal(t, defaultTraceInterval, tr.interval)
	assert.Zero(t, tr.slow)
}

func TestTraceDelta(t *testing.T) {
	tr := newFuseTrace(types.TraceConfig{Enabled: true, Interval: time.Minute})
	tr.record(opRead, "/a", 2*time.Millisecond, nil)
	prev := tr.totals()

	_, active := delta(tr.totals(), prev)
	assert.False(t, active)

	tr.record(opRead, "/a", 4*time.Millisecond, nil)
	tr.record(opRead, "/a", 2*time.Millisecond, errors.New("boom"))
	tr.record(opLookup, "/b", time.Millisecond, nil)

	d, active := delta(tr.totals(), prev)
	require.True(t, active)
	assert.Equal(t, uint64(2), d[opRead].calls)
	assert.Equal(t, uint64(1), d[opRead].failed)
	assert.Equal(t, 3*time.Millisecond, d[opRead].mean())
	assert.Equal(t, uint64(1), d[opLookup].calls)
	assert.Zero(t, d[opOpen].mean())
}
