// Package session implements the test-session and stream data model
// from §3 and the control-phase transition table from §4.3:
// one active client session at a time, bound by a client-chosen
// cookie, progressing monotonically through a fixed set of phases.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/drazic/iperfd/internal/config"
	"github.com/drazic/iperfd/internal/wire"
)

// Direction is the data-flow direction of a single stream.
type Direction int

const (
	DirectionSending Direction = iota
	DirectionReceiving
)

// Session is the top-level context for one test run (§3 "Test session").
type Session struct {
	// ID correlates log lines across the control goroutine and its
	// worker threads for a single session; it has no wire-protocol
	// role (the cookie is what binds the client's connections).
	ID string

	Role     string // always "server"
	Protocol config.Protocol
	Family   config.Family

	BindAddr   string
	BindDevice string
	Port       int

	Streams          int
	DurationSeconds  float64 // 0 = byte-bounded
	Bytes            int64
	OmitSeconds      float64
	IntervalSeconds  float64
	BlockSize        int
	SocketBufferSize int
	MSS              int
	NoDelay          bool
	RateBitsPerSec   int64
	AggregateLimit   int64
	IdleTimeout      time.Duration
	RcvTimeout       time.Duration
	Mode             config.Mode
	Bit64Counters    bool

	Cookie []byte

	mu      sync.Mutex
	phase   Phase
	streams []*Stream

	doneOnce sync.Once
	done     atomic.Bool

	StartedAt time.Time
}

// New constructs a Session from server defaults, to be refined by
// PARAM_EXCHANGE (§4.3).
func New(cfg config.Config, cookie []byte) *Session {
	return &Session{
		ID:               uuid.NewString(),
		Role:             "server",
		Protocol:         cfg.Test.Protocol,
		Family:           cfg.Server.Family,
		BindAddr:         cfg.Server.Host,
		BindDevice:       cfg.Server.Device,
		Port:             cfg.Server.Port,
		Streams:          cfg.Test.Streams,
		DurationSeconds:  cfg.Test.DurationSeconds,
		Bytes:            cfg.Test.Bytes,
		OmitSeconds:      cfg.Test.OmitSeconds,
		IntervalSeconds:  cfg.Test.IntervalSeconds,
		BlockSize:        cfg.Test.BlockSize,
		SocketBufferSize: cfg.Test.SocketBufferSize,
		MSS:              cfg.Test.MSS,
		NoDelay:          cfg.Test.NoDelay,
		RateBitsPerSec:   cfg.Test.RateBitsPerSec,
		AggregateLimit:   cfg.RateLimit.AggregateBitsPerSec,
		IdleTimeout:      time.Duration(cfg.Timeouts.IdleSeconds) * time.Second,
		RcvTimeout:       time.Duration(cfg.Timeouts.RcvTimeoutSeconds) * time.Second,
		Mode:             cfg.Test.Mode,
		Bit64Counters:    cfg.Test.Bit64Counters,
		Cookie:           cookie,
		phase:            PhaseIdle,
	}
}

// ApplyParams merges a client's PARAM_EXCHANGE request onto the
// session's server-side defaults. Zero values in p mean "keep default."
func (s *Session) ApplyParams(p wire.Params) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Protocol != "" {
		s.Protocol = config.ParseProtocol(p.Protocol)
	}
	if p.Streams > 0 {
		s.Streams = p.Streams
	}
	if p.BlockSize > 0 {
		s.BlockSize = p.BlockSize
	}
	if p.DurationSeconds > 0 {
		s.DurationSeconds = p.DurationSeconds
	}
	if p.Bytes > 0 {
		s.Bytes = p.Bytes
	}
	if p.OmitSeconds > 0 {
		s.OmitSeconds = p.OmitSeconds
	}
	if p.IntervalSeconds > 0 {
		s.IntervalSeconds = p.IntervalSeconds
	}
	if p.Mode != "" {
		s.Mode = config.ParseMode(p.Mode)
	}
	if p.SocketBufferSize > 0 {
		s.SocketBufferSize = p.SocketBufferSize
	}
	if p.MSS > 0 {
		s.MSS = p.MSS
	}
	if p.RateBitsPerSec > 0 {
		s.RateBitsPerSec = p.RateBitsPerSec
	}
	s.NoDelay = s.NoDelay || p.NoDelay
	s.Bit64Counters = s.Bit64Counters || p.Bit64Counters
}

// RequiredStreamCount returns how many data connections the server
// must accept before leaving CREATE_STREAMS: N for sender/receiver
// modes, 2N for bidirectional (§4.3).
func (s *Session) RequiredStreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Mode == config.ModeBidirectional {
		return 2 * s.Streams
	}
	return s.Streams
}

// Phase returns the session's current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Transition moves the session to next if the transition is permitted
// (§4.3). Returns false (no-op) on an unpermitted transition.
func (s *Session) Transition(next Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !CanTransition(s.phase, next) {
		return false
	}
	s.phase = next
	return true
}

// AddStream registers a newly accepted stream (§3 "Stream" lifecycle:
// between CREATE_STREAMS and cleanup).
func (s *Session) AddStream(st *Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = append(s.streams, st)
}

// StreamsSnapshot returns a snapshot of the currently registered streams.
func (s *Session) StreamsSnapshot() []*Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Stream, len(s.streams))
	copy(out, s.streams)
	return out
}

// MarkDone sets the session's done flag exactly once (§3 invariant:
// "done is set exactly once and is terminal").
func (s *Session) MarkDone() {
	s.doneOnce.Do(func() { s.done.Store(true) })
}

// Done reports whether the session has been marked done.
func (s *Session) Done() bool { return s.done.Load() }

// RcvTimeoutOrDefault returns the session's configured receive timeout,
// or a conservative default if unset (§5 "rcv_timeout").
func (s *Session) RcvTimeoutOrDefault() time.Duration {
	if s.RcvTimeout > 0 {
		return s.RcvTimeout
	}
	return 5 * time.Second
}

// CookieMatches compares got against the session's cookie byte-for-byte
// (§3 "Cookie" — session binding, not authentication).
func (s *Session) CookieMatches(got []byte) bool {
	if len(got) != len(s.Cookie) {
		return false
	}
	for i := range got {
		if got[i] != s.Cookie[i] {
			return false
		}
	}
	return true
}
