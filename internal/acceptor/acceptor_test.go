package acceptor

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/basilproxy/fwdproxy/internal/cache"
	"github.com/basilproxy/fwdproxy/internal/logging"
	"github.com/basilproxy/fwdproxy/internal/metrics"
	"github.com/basilproxy/fwdproxy/internal/upstream"
	"github.com/basilproxy/fwdproxy/internal/worker"
)

func TestGateAcquireReleaseRoundTrips(t *testing.T) {
	g := NewGate(2)
	g.Acquire()
	g.Acquire()
	if g.InUse() != 2 {
		t.Fatalf("expected InUse()=2, got %d", g.InUse())
	}
	if g.TryAcquire() {
		t.Fatal("expected TryAcquire to fail once the gate is saturated")
	}
	g.Release()
	if !g.TryAcquire() {
		t.Fatal("expected TryAcquire to succeed after a release")
	}
}

// TestGateNeverExceedsCapacity is invariant I5 from spec.md §8: under
// concurrent load the number of simultaneously-held tokens never
// exceeds the configured capacity.
func TestGateNeverExceedsCapacity(t *testing.T) {
	const capacity = 4
	g := NewGate(capacity)

	var mu sync.Mutex
	maxSeen := 0
	current := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Acquire()
			defer g.Release()

			mu.Lock()
			current++
			if current > maxSeen {
				maxSeen = current
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxSeen > capacity {
		t.Fatalf("observed %d concurrent holders, want <= %d", maxSeen, capacity)
	}
}

func TestRunServesAcceptedConnections(t *testing.T) {
	w := worker.New(cache.New(1<<20), upstream.NewConnector(), logging.NewLogger("test"), metrics.New(), 65536)
	gate := NewGate(4)
	acc := New(gate, w, logging.NewLogger("test"), metrics.New())

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- acc.Run(ctx, ln) }()

	conn, err := net.Dial("tcp4", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial listener: %v", err)
	}
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte("BOGUS / HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("failed to write request: %v", err)
	}

	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		t.Fatalf("expected a response from the worker, got error: %v", err)
	}
	conn.Close()

	cancel()
	ln.Close()
	<-runErr
}
