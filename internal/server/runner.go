package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/drazic/iperfd/internal/config"
	"github.com/drazic/iperfd/internal/ioerr"
	"github.com/drazic/iperfd/internal/netutil"
)

// Runner orchestrates the measurement server's startup, the control
// listener, and graceful shutdown (§4.3, §4.6).
type Runner struct {
	logger *slog.Logger
	cb     Callbacks
}

// NewRunner creates a Runner with the given logger and an optional set
// of reporting hooks (NoopCallbacks if cb is the zero value).
func NewRunner(logger *slog.Logger, cb Callbacks) *Runner {
	return &Runner{logger: logger, cb: cb}
}

// Run starts the control listener and serves until ctx is canceled,
// the listener errors, or (in one-off mode) one session completes.
func (r *Runner) Run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return r.RunWithContext(ctx, cfg)
}

// RunWithContext is Run with an externally supplied context, split out
// so tests (and embedding callers) can drive shutdown without signals.
func (r *Runner) RunWithContext(ctx context.Context, cfg *config.Config) error {
	// The control channel is always TCP, independent of the data
	// protocol a session later negotiates (§3 "Control flow").
	lnAny, err := netutil.Announce(ctx, cfg.Server.Family, config.ProtocolTCP, cfg.Server.Host, cfg.Server.Device, cfg.Server.Port)
	if err != nil {
		return fmt.Errorf("unable to start control listener: %w", err)
	}
	ln, ok := lnAny.(net.Listener)
	if !ok {
		return ioerr.New(ioerr.KindListen, nil)
	}

	r.logStartup(cfg, ln.Addr().String())

	loop := NewEventLoop(*cfg, r.cb, r.logger)
	return loop.Run(ctx, ln)
}

func (r *Runner) logStartup(cfg *config.Config, addr string) {
	if r.logger == nil {
		return
	}
	r.logger.Info("iperfd starting",
		"addr", addr,
		"protocol", cfg.Test.Protocol.String(),
		"mode", cfg.Test.Mode.String(),
		"streams", cfg.Test.Streams,
		"block_size", cfg.Test.BlockSize,
		"one_off", cfg.Server.OneOff,
	)
}
