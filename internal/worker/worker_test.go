package worker

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/basilproxy/fwdproxy/internal/cache"
	"github.com/basilproxy/fwdproxy/internal/logging"
	"github.com/basilproxy/fwdproxy/internal/metrics"
	"github.com/basilproxy/fwdproxy/internal/upstream"
)

func newTestWorker(maxHeaderBytes int) *Worker {
	return New(cache.New(1<<20), upstream.NewConnector(), logging.NewLogger("test"), metrics.New(), maxHeaderBytes)
}

// runHandle drives Handle against a net.Pipe, writing request on one end
// and returning everything read before the connection closes.
func runHandle(t *testing.T, w *Worker, request []byte) []byte {
	t.Helper()

	serverSide, clientSide := net.Pipe()

	done := make(chan struct{})
	go func() {
		w.Handle(context.Background(), serverSide)
		close(done)
	}()

	clientSide.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := clientSide.Write(request); err != nil {
		t.Fatalf("failed writing request: %v", err)
	}

	var out bytes.Buffer
	buf := make([]byte, 4096)
	for {
		n, err := clientSide.Read(buf)
		out.Write(buf[:n])
		if err != nil {
			break
		}
	}
	<-done
	return out.Bytes()
}

func TestHandleRejectsNonGetMethod(t *testing.T) {
	w := newTestWorker(65536)
	resp := runHandle(t, w, []byte("POST / HTTP/1.1\r\nHost: example.com\r\n\r\n"))

	if !strings.HasPrefix(string(resp), "HTTP/1.1 501") {
		t.Fatalf("expected 501 response, got %q", resp)
	}
}

func TestHandleRejectsMalformedRequest(t *testing.T) {
	w := newTestWorker(65536)
	resp := runHandle(t, w, []byte("not a request\r\n\r\n"))

	if !strings.HasPrefix(string(resp), "HTTP/1.1 400") {
		t.Fatalf("expected 400 response, got %q", resp)
	}
}

func TestHandleFailsUpstreamUnreachable(t *testing.T) {
	w := newTestWorker(65536)
	// Port 1 is almost always closed to a plain connect.
	resp := runHandle(t, w, []byte("GET / HTTP/1.1\r\nHost: 127.0.0.1:1\r\n\r\n"))

	if !strings.HasPrefix(string(resp), "HTTP/1.1 500") {
		t.Fatalf("expected 500 response, got %q", resp)
	}
}

func TestHandleServesCacheHitWithoutTouchingNetwork(t *testing.T) {
	w := newTestWorker(65536)
	request := []byte("GET / HTTP/1.1\r\nHost: 127.0.0.1:1\r\n\r\n")
	cached := []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi")
	w.Cache.Put(request, cached)

	resp := runHandle(t, w, request)
	if string(resp) != string(cached) {
		t.Fatalf("expected cached bytes verbatim, got %q", resp)
	}
}

func TestHandleRejectsOversizedHeaders(t *testing.T) {
	w := newTestWorker(16)
	resp := runHandle(t, w, []byte("GET /this-is-a-very-long-path-that-overflows HTTP/1.1\r\nHost: example.com\r\n\r\n"))

	if !strings.HasPrefix(string(resp), "HTTP/1.1 400") {
		t.Fatalf("expected 400 for header overflow, got %q", resp)
	}
}

// TestHandleSilentlyClosesOnZeroByteClientClose covers spec.md §4.6
// state S1 outcome (d): a peer that closes having sent nothing gets no
// error response, just a closed connection (S5), distinct from a peer
// cut off mid-header (outcome (c), which does get a 400).
func TestHandleSilentlyClosesOnZeroByteClientClose(t *testing.T) {
	w := newTestWorker(65536)
	serverSide, clientSide := net.Pipe()

	done := make(chan struct{})
	go func() {
		w.Handle(context.Background(), serverSide)
		close(done)
	}()

	clientSide.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Handle to return promptly on a zero-byte close")
	}
}

// TestReceiveHeadersTruncatesTrailingBytes is the regression for
// spec.md §4.3's byte-exact cache key: bytes read past the blank-line
// terminator (a request body, or a pipelined second request arriving in
// the same read) must not be treated as part of the header block.
func TestReceiveHeadersTruncatesTrailingBytes(t *testing.T) {
	w := newTestWorker(65536)
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	head := "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"
	trailing := "this-is-body-or-a-pipelined-request"
	request := []byte(head + trailing)

	go func() {
		clientSide.SetDeadline(time.Now().Add(2 * time.Second))
		_, _ = clientSide.Write(request)
	}()

	raw, gotBytes, ok := w.receiveHeaders(serverSide)
	if !ok || !gotBytes {
		t.Fatalf("expected a successful receive, got gotBytes=%v ok=%v", gotBytes, ok)
	}
	if string(raw) != head {
		t.Fatalf("expected raw truncated at the header terminator %q, got %q", head, raw)
	}
}

func TestErrorResponseFormat(t *testing.T) {
	resp := string(errorResponse(400))

	if !strings.HasPrefix(resp, "HTTP/1.1 400 Bad Request\r\n") {
		t.Fatalf("unexpected status line: %q", resp)
	}
	if !strings.Contains(resp, "Content-Length: 0\r\n") {
		t.Fatalf("expected Content-Length: 0, got %q", resp)
	}
	if !strings.Contains(resp, "Connection: close\r\n") {
		t.Fatalf("expected Connection: close, got %q", resp)
	}
	if !strings.Contains(resp, "Date: ") {
		t.Fatalf("expected a Date header, got %q", resp)
	}
	if !strings.HasSuffix(resp, "\r\n\r\n") {
		t.Fatalf("expected response to end with a blank line, got %q", resp)
	}
}
