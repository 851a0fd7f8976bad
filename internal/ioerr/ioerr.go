// Package ioerr implements the compact error taxonomy described in
// §7: a closed enumeration of error kinds rather than free-form
// strings, so callers (and JSON result encoding) can branch on category
// without matching on message text.
package ioerr

import "fmt"

// Kind is one of the error categories from §7.
type Kind int

const (
	KindNone Kind = iota
	KindListen
	KindAccept
	KindSetNoDelay
	KindSetBuf
	KindSetBuf2 // requested > actual, §4.4
	KindSetMSS
	KindSetCongestion
	KindSetUserTimeout
	KindSetFlow
	KindSetReuseAddr
	KindSetV6Only
	KindStreamListen
	KindStreamConnect
	KindStreamAccept
	KindStreamRead
	KindStreamWrite
	KindRecvCookie
	KindSendCookie
	KindRecvMessage
	KindSendMessage
	KindCtrlClose
	KindMessage // unknown phase byte
	KindClientTerm
	KindNoMsg    // receive-progress watchdog, §8 S6
	KindTotalRate
	KindInitTest
	KindSelect
	KindPthread
	KindTimeout
	KindPeerClosed
)

// messages gives one fixed human-readable message per Kind, per §7
// ("each error kind maps to one fixed human message").
var messages = map[Kind]string{
	KindNone:           "no error",
	KindListen:         "unable to start listener",
	KindAccept:         "unable to accept connection",
	KindSetNoDelay:     "unable to set TCP_NODELAY",
	KindSetBuf:         "unable to set socket buffer size",
	KindSetBuf2:        "socket buffer size requested is larger than actual set",
	KindSetMSS:         "unable to set TCP_MAXSEG",
	KindSetCongestion:  "unable to set congestion control algorithm",
	KindSetUserTimeout: "unable to set TCP_USER_TIMEOUT",
	KindSetFlow:        "unable to set flow label",
	KindSetReuseAddr:   "unable to set SO_REUSEADDR",
	KindSetV6Only:      "unable to set IPV6_V6ONLY",
	KindStreamListen:   "unable to start stream listener",
	KindStreamConnect:  "unable to connect stream",
	KindStreamAccept:   "unable to accept stream connection",
	KindStreamRead:     "error reading from stream socket",
	KindStreamWrite:    "error writing to stream socket",
	KindRecvCookie:     "unable to receive cookie",
	KindSendCookie:     "unable to send cookie",
	KindRecvMessage:    "unable to receive control message",
	KindSendMessage:    "unable to send control message",
	KindCtrlClose:      "control connection closed by peer",
	KindMessage:        "received an unknown control phase",
	KindClientTerm:     "the client has terminated",
	KindNoMsg:          "no messages received, network down?",
	KindTotalRate:      "aggregate requested rate exceeds the configured limit",
	KindInitTest:       "unable to initialize test",
	KindSelect:         "select/poll failed",
	KindPthread:        "unable to manage worker thread",
	KindTimeout:        "operation timed out",
	KindPeerClosed:     "peer closed the connection",
}

func (k Kind) String() string {
	if m, ok := messages[k]; ok {
		return m
	}
	return "unknown error"
}

// Error is a Kind paired with optional underlying cause, satisfying
// the standard error interface while preserving the wrapped chain.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a Kind. If err is nil, Error() still renders the
// fixed message for Kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ke, ok := err.(*Error); ok {
			e = ke
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}

// KindOf extracts the Kind from err, returning KindNone if err does not
// carry one.
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if ke, ok := err.(*Error); ok {
			e = ke
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return KindNone
	}
	return e.Kind
}

// Restartable reports whether the category warrants a restart of the
// idle listener (exit code 2, §6) rather than a hard process exit.
func Restartable(k Kind) bool {
	switch k {
	case KindNoMsg, KindClientTerm, KindTimeout:
		return true
	default:
		return false
	}
}
