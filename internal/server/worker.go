package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/drazic/iperfd/internal/ioerr"
	"github.com/drazic/iperfd/internal/protocol"
	"github.com/drazic/iperfd/internal/ratelimit"
	"github.com/drazic/iperfd/internal/session"
	"github.com/drazic/iperfd/internal/wire"
)

// worker runs one stream's hot-path send/recv loop (§4.7). It observes
// test.done and stream.done cooperatively; the cleanup path's
// cancellation backstop is the socket Close from the event-loop side,
// which unblocks the loop's next syscall.
type worker struct {
	sess     *session.Session
	st       *session.Stream
	engine   protocol.Engine
	bit64    bool
	pacer    *ratelimit.TokenBucket
	logger   *slog.Logger
	testDone func() bool
}

// runWorkers spawns one goroutine per stream and returns a function
// that blocks until all of them have exited (the join half of
// §4.7's "cancel then join").
func runWorkers(sess *session.Session, streams []*session.Stream, eng protocol.Engine, bit64 bool, aggregateRate int64, logger *slog.Logger, testDone func() bool) func() {
	var wg sync.WaitGroup
	for i, st := range streams {
		var pacer *ratelimit.TokenBucket
		if aggregateRate > 0 {
			pacer = ratelimit.NewTokenBucket(aggregateRate/8, int64(st.BlockSize)*4)
		}
		w := &worker{sess: sess, st: st, engine: eng, bit64: bit64, pacer: pacer, logger: logger, testDone: testDone}
		wg.Add(1)
		idx := i
		go func() {
			defer wg.Done()
			w.run(idx)
		}()
	}
	return wg.Wait
}

func (w *worker) run(idx int) {
	buf := make([]byte, w.st.BlockSize)
	pending := 0
	var seq uint64

	for !w.testDone() && !w.st.Done() {
		var err error
		if w.st.Direction == session.DirectionSending {
			err = w.sendOnce(buf, &pending, &seq)
		} else {
			_, err = w.engine.Recv(w.st, buf, w.sess.Phase(), w.bit64)
		}
		if err != nil {
			if ioerr.KindOf(err) != ioerr.KindNone && w.logger != nil {
				w.logger.Debug("stream worker exiting", "stream", idx, "err", err)
			}
			w.st.MarkDone()
			return
		}
	}
}

func (w *worker) sendOnce(buf []byte, pending *int, seq *uint64) error {
	isUDP := w.sess.Protocol.String() == "udp"

	if *pending <= 0 {
		if isUDP {
			now := time.Now()
			*seq++
			h := wire.Header{Sec: uint32(now.Unix()), Usec: uint32(now.Nanosecond() / 1000), Sequence: *seq}
			wire.EncodeHeader(buf, h, w.bit64)
		}
		*pending = len(buf)
	}
	if w.pacer != nil && !w.pacer.AllowN(len(buf)) {
		time.Sleep(time.Millisecond)
		return nil
	}
	n, err := w.engine.Send(w.st, buf, pending)
	if isUDP && n > 0 {
		// A full datagram always goes out in one syscall; arm the
		// next header stamp regardless of what engine.Send left in
		// *pending (the UDP engine does not track partial writes).
		*pending = 0
	} else if isUDP && n == 0 && err == nil {
		// Soft error (would-block): reuse the same sequence number on
		// the next attempt (§4.5 "decrement packet_count"), which is
		// re-stamped because *pending is cleared.
		*seq--
		*pending = 0
	}
	return err
}
