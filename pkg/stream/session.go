package stream

import (
	"errors"
	"sync"
	"time"

	"github.com/beam-cloud/soundfs/pkg/namespace"
	"github.com/beam-cloud/soundfs/pkg/types"
)

// ErrSessionClosed is returned for reads on a released session, including
// reads whose fetch completed after the release.
var ErrSessionClosed = errors.New("stream session closed")

// State is the lifecycle state of an open file.
type State int

const (
	Closed  State = iota // Released, or never opened
	Opening              // Stream URL resolution in flight
	Open                 // Serving reads
	Closing              // Release in progress
	Failed               // Permanent failure; reads fail without retry
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is the per-open state of a track file.
type Session struct {
	ID       string
	Handle   namespace.Handle
	TrackID  string
	OpenedAt time.Time

	mu    sync.Mutex
	state State
	err   error
	facts types.TrackFacts
	url   types.StreamURL
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is the terminal failure of a Failed session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Facts returns the track facts the session was opened with.
func (s *Session) Facts() types.TrackFacts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.facts
}

// URL returns the stream URL last resolved for this session.
func (s *Session) URL() types.StreamURL {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *Session) setURL(u types.StreamURL) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = u
}

// transition moves the session to next unless it is already terminal.
func (s *Session) transition(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed || (s.state == Failed && next != Closing) {
		return false
	}
	s.state = next
	return true
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Open || s.state == Opening {
		s.state = Failed
		s.err = err
	}
}

// readable returns nil when reads may proceed.
func (s *Session) readable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Open:
		return nil
	case Failed:
		return s.err
	default:
		return ErrSessionClosed
	}
}
