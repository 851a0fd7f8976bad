package server

import (
	"github.com/drazic/iperfd/internal/session"
	"github.com/drazic/iperfd/internal/wire"
)

// Callbacks is the capability-set hook model §9's design notes call for
// in place of the source's function-pointer callbacks (on_connect,
// on_new_stream, on_test_finish, stats_callback, reporter_callback): a
// single struct passed at session construction, with a no-op default
// so the core stays testable without a UI or CLI collaborator.
type Callbacks struct {
	OnConnect    func(sess *session.Session)
	OnNewStream  func(sess *session.Session, st *session.Stream)
	OnTestFinish func(sess *session.Session, results wire.Results)
	OnStats      func(sess *session.Session, records []IntervalRecord)
	OnReport     func(sess *session.Session, records []IntervalRecord)
}

// NoopCallbacks returns a Callbacks whose every hook is a no-op,
// keeping the event loop runnable without an external reporting
// collaborator.
func NoopCallbacks() Callbacks {
	return Callbacks{
		OnConnect:    func(*session.Session) {},
		OnNewStream:  func(*session.Session, *session.Stream) {},
		OnTestFinish: func(*session.Session, wire.Results) {},
		OnStats:      func(*session.Session, []IntervalRecord) {},
		OnReport:     func(*session.Session, []IntervalRecord) {},
	}
}

// fillDefaults replaces any nil hook with a no-op, so callers may set
// only the hooks they care about.
func (c Callbacks) fillDefaults() Callbacks {
	d := NoopCallbacks()
	if c.OnConnect == nil {
		c.OnConnect = d.OnConnect
	}
	if c.OnNewStream == nil {
		c.OnNewStream = d.OnNewStream
	}
	if c.OnTestFinish == nil {
		c.OnTestFinish = d.OnTestFinish
	}
	if c.OnStats == nil {
		c.OnStats = d.OnStats
	}
	if c.OnReport == nil {
		c.OnReport = d.OnReport
	}
	return c
}
