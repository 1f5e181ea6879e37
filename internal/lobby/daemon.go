package lobby

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"

	"github.com/zulandar/parlor/internal/gateway"
	"github.com/zulandar/parlor/internal/logging"
)

// DefaultShutdownTimeout bounds how long shutdown spends closing sessions.
const DefaultShutdownTimeout = 30 * time.Second

// Daemon is the main Parlor process. It connects to the chat platform via a
// Gateway, hands each inbound message to the Controller on its own
// goroutine, and runs the Reaper in the background.
type Daemon struct {
	gw              gateway.Gateway
	controller      *Controller
	reaper          *Reaper
	out             io.Writer
	logger          *slog.Logger
	shutdownTimeout time.Duration

	handlers sync.WaitGroup
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Gateway         gateway.Gateway
	Controller      *Controller
	Reaper          *Reaper   // optional; idle sessions are never reaped without one
	Out             io.Writer // defaults to os.Stdout
	Logger          *slog.Logger
	ShutdownTimeout time.Duration // defaults to DefaultShutdownTimeout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("lobby: gateway is required")
	}
	if opts.Controller == nil {
		return nil, fmt.Errorf("lobby: controller is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	timeout := opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	logger := logging.Component(opts.Logger, "daemon")
	if opts.Reaper == nil {
		logger.Warn("no reaper configured; idle sessions will not be closed")
	}
	return &Daemon{
		gw:              opts.Gateway,
		controller:      opts.Controller,
		reaper:          opts.Reaper,
		out:             out,
		logger:          logger,
		shutdownTimeout: timeout,
	}, nil
}

// Run connects the gateway and pumps inbound messages until ctx is
// cancelled or the gateway closes its feed. On shutdown it waits for
// in-flight handlers, closes every live session, and closes the gateway.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Parlor connecting...\n")
	if err := d.gw.Connect(ctx); err != nil {
		return fmt.Errorf("lobby: connect: %w", err)
	}

	inbound, err := d.gw.Listen(ctx)
	if err != nil {
		d.gw.Close()
		return fmt.Errorf("lobby: listen: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if d.reaper != nil {
		d.handlers.Add(1)
		go func() {
			defer d.handlers.Done()
			d.reaper.Run(runCtx)
		}()
	}

	var triggers []string
	for _, p := range d.controller.personas.All() {
		triggers = append(triggers, p.Trigger)
	}
	fmt.Fprintf(d.out, "Parlor online (%s)\n", strings.Join(triggers, ", "))

	for {
		select {
		case <-ctx.Done():
			d.shutdown(ctx, cancel)
			return nil

		case msg, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "Parlor inbound channel closed\n")
				d.shutdown(ctx, cancel)
				return nil
			}
			d.handlers.Add(1)
			go func() {
				defer d.handlers.Done()
				d.controller.Handle(runCtx, msg)
			}()
		}
	}
}

// shutdown stops the reaper and in-flight handlers, then closes what is left.
func (d *Daemon) shutdown(ctx context.Context, stop context.CancelFunc) {
	fmt.Fprintf(d.out, "Parlor shutting down...\n")
	stop()
	d.handlers.Wait()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.shutdownTimeout)
	defer cancel()
	if n := d.controller.CloseAll(closeCtx, ReasonShutdown); n > 0 {
		d.logger.Info("closed sessions on shutdown", "count", n)
	}

	if err := d.gw.Close(); err != nil {
		d.logger.Warn("close gateway", "err", tint.Err(err))
	}
	fmt.Fprintf(d.out, "Parlor stopped\n")
}
