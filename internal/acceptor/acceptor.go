// Package acceptor runs the listening socket and the admission-gated
// accept loop spec.md §4.7 describes: bind once, accept forever, spawn
// one goroutine per accepted connection, and let at most MaxClients of
// them run a worker at once.
package acceptor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/basilproxy/fwdproxy/internal/logging"
	"github.com/basilproxy/fwdproxy/internal/metrics"
	"github.com/basilproxy/fwdproxy/internal/worker"
)

// Gate is a counting semaphore bounding the number of connections being
// actively worked at once. Exactly one release must follow every
// successful acquire (spec.md §4.7 invariant I5), which callers achieve
// with a deferred Release immediately after a successful Acquire.
type Gate struct {
	tokens chan struct{}
}

// NewGate returns a Gate that admits at most capacity concurrent holders.
func NewGate(capacity int) *Gate {
	return &Gate{tokens: make(chan struct{}, capacity)}
}

// Acquire blocks until a token is free, then takes it.
func (g *Gate) Acquire() {
	g.tokens <- struct{}{}
}

// TryAcquire takes a token without blocking, reporting whether it
// succeeded.
func (g *Gate) TryAcquire() bool {
	select {
	case g.tokens <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a token. Calling Release without a matching Acquire
// corrupts the count; callers must pair every Acquire with exactly one
// Release.
func (g *Gate) Release() {
	<-g.tokens
}

// InUse reports how many tokens are currently held. Intended for
// diagnostics; the authoritative live count is also exported via
// metrics.Metrics.
func (g *Gate) InUse() int {
	return len(g.tokens)
}

// Acceptor owns the listening socket and dispatches admitted connections
// to a Worker.
type Acceptor struct {
	Gate    *Gate
	Worker  *worker.Worker
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// New constructs an Acceptor.
func New(gate *Gate, w *worker.Worker, logger *logging.Logger, m *metrics.Metrics) *Acceptor {
	return &Acceptor{Gate: gate, Worker: w, Logger: logger, Metrics: m}
}

// Listen binds a TCP listener on port, on all interfaces, IPv4 (IPv6 is
// an explicit Non-goal).
func Listen(port int) (net.Listener, error) {
	addr := fmt.Sprintf(":%d", port)
	return net.Listen("tcp4", addr)
}

// Run accepts connections from ln until Accept fails with a non-timeout
// error, for example because ln was closed; it returns nil if ctx has
// been cancelled by then and the error otherwise. Cancelling ctx does
// not by itself interrupt a blocked Accept. Each accepted connection gets
// its own goroutine, which blocks on the admission gate before running
// the worker (spec.md §4.7 steps 1–4); timeout accept errors are logged
// and retried.
func (a *Acceptor) Run(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isTemporary(err) {
				a.Logger.Warn(ctx, "transient accept error", slog.String("error", err.Error()))
				continue
			}
			return err
		}

		a.Metrics.ConnectionAccepted()
		a.Logger.ConnectionAccepted(ctx, conn.RemoteAddr().String())

		go a.admitAndServe(ctx, conn)
	}
}

// admitAndServe blocks on the admission gate, then runs the worker on
// conn, guaranteeing the token is released exactly once regardless of
// how the worker exits (spec.md §4.7 invariant I5).
func (a *Acceptor) admitAndServe(ctx context.Context, conn net.Conn) {
	waitStart := time.Now()
	acquired := a.Gate.TryAcquire()
	if !acquired {
		a.Metrics.AdmissionWaited()
		a.Gate.Acquire()
	}
	defer a.Gate.Release()

	a.Metrics.AdmissionAcquired()
	defer a.Metrics.AdmissionReleased()

	a.Logger.ConnectionAdmitted(ctx, conn.RemoteAddr().String(), time.Since(waitStart))

	a.Worker.Handle(ctx, conn)
}

// isTemporary reports whether err represents a transient accept failure
// that should be retried rather than ending the loop.
func isTemporary(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
