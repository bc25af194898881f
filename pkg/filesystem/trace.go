package filesystem

import (
	"sync/atomic"
	"time"

	"github.com/beam-cloud/soundfs/pkg/types"
	"github.com/rs/zerolog/log"
)

type traceOp int

const (
	opLookup traceOp = iota
	opGetattr
	opReaddir
	opOpen
	opRead
	opRelease
	opReadlink
	opXattr
	opRejected
	numTraceOps
)

func (o traceOp) String() string {
	return [numTraceOps]string{
		"lookup", "getattr", "readdir", "open", "read",
		"release", "readlink", "xattr", "rejected",
	}[o]
}

const defaultTraceInterval = 2 * time.Second

// FuseTrace accumulates per-op counts, failures and latency. A nil tracer
// records nothing.
type FuseTrace struct {
	interval time.Duration
	slow     time.Duration
	counters [numTraceOps]struct {
		calls, failed, nanos atomic.Uint64
	}
}

// opTotals is a point-in-time copy of one op's counters.
type opTotals struct {
	calls, failed, nanos uint64
}

func (o opTotals) mean() time.Duration {
	if o.calls == 0 {
		return 0
	}
	return time.Duration(o.nanos / o.calls)
}

func newFuseTrace(cfg types.TraceConfig) *FuseTrace {
	if !cfg.Enabled {
		return nil
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultTraceInterval
	}
	return &FuseTrace{interval: interval, slow: max(cfg.SlowThreshold, 0)}
}

func (t *FuseTrace) record(op traceOp, key string, dur time.Duration, err error) {
	if t == nil {
		return
	}
	c := &t.counters[op]
	c.calls.Add(1)
	c.nanos.Add(uint64(dur))
	if err != nil {
		c.failed.Add(1)
	}

	if t.slow > 0 && dur >= t.slow {
		log.Info().Stringer("op", op).Str("key", key).Dur("dur", dur).Err(err).Msg("slow fuse op")
	}
}

func (t *FuseTrace) totals() (out [numTraceOps]opTotals) {
	for i := range t.counters {
		c := &t.counters[i]
		out[i] = opTotals{calls: c.calls.Load(), failed: c.failed.Load(), nanos: c.nanos.Load()}
	}
	return out
}

// delta returns what happened since prev and whether anything did.
func delta(cur, prev [numTraceOps]opTotals) (d [numTraceOps]opTotals, active bool) {
	for i := range cur {
		d[i] = opTotals{
			calls:  cur[i].calls - prev[i].calls,
			failed: cur[i].failed - prev[i].failed,
			nanos:  cur[i].nanos - prev[i].nanos,
		}
		active = active || d[i].calls > 0
	}
	return d, active
}

// run logs one line per interval in which the mount saw traffic.
func (t *FuseTrace) run(stop <-chan struct{}, mountPoint string) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	prev := t.totals()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		cur := t.totals()
		d, active := delta(cur, prev)
		prev = cur
		if !active {
			continue
		}

		ev := log.Info().Str("mount", mountPoint)
		for i, o := range d {
			if o.calls == 0 {
				continue
			}
			name := traceOp(i).String()
			ev = ev.Uint64(name, o.calls).Uint64(name+"_err", o.failed).Dur(name+"_avg", o.mean())
		}
		ev.Msg("fuse op trace")
	}
}
