package relay

import (
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/basilproxy/fwdproxy/internal/httpparse"
	"github.com/basilproxy/fwdproxy/internal/upstream"
)

func TestBuildOutboundRequestStripsHostAndConnection(t *testing.T) {
	req := &httpparse.Request{
		Method:  "GET",
		Path:    "/a",
		Version: "HTTP/1.1",
		Host:    "origin.example",
		Headers: []httpparse.Header{
			{Key: "Host", Value: "client-supplied.example"},
			{Key: "connection", Value: "keep-alive"},
			{Key: "Accept", Value: "*/*"},
		},
	}

	out := string(BuildOutboundRequest(req))

	if !strings.HasPrefix(out, "GET /a HTTP/1.1\r\n") {
		t.Fatalf("unexpected request line: %q", out)
	}
	if strings.Contains(out, "client-supplied.example") {
		t.Fatal("expected original Host header value to be stripped")
	}
	if strings.Contains(out, "keep-alive") {
		t.Fatal("expected original Connection header value to be stripped")
	}
	if !strings.Contains(out, "Host: origin.example\r\n") {
		t.Fatal("expected fresh Host header for the resolved origin")
	}
	if !strings.Contains(out, "Connection: close\r\n") {
		t.Fatal("expected Connection: close to be appended")
	}
	if !strings.Contains(out, "Accept: */*\r\n") {
		t.Fatal("expected unrelated headers to survive unchanged")
	}
}

func TestResolveOutboundPortDefaultsAndFailure(t *testing.T) {
	if p := ResolveOutboundPort(""); p != 80 {
		t.Fatalf("expected default port 80, got %d", p)
	}
	if p := ResolveOutboundPort("abc"); p != 0 {
		t.Fatalf("expected non-numeric port to resolve to 0, got %d", p)
	}
	if p := ResolveOutboundPort("8080"); p != 8080 {
		t.Fatalf("expected explicit port to round-trip, got %d", p)
	}
}

// fakeOrigin starts a listener that writes a fixed response and closes.
func fakeOrigin(t *testing.T, response []byte) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start fake origin: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()
		buf := make([]byte, 4096)
		_, _ = conn.Read(buf) // drain the request
		_, _ = conn.Write(response)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func TestRelayCopiesFullResponseAndCompletes(t *testing.T) {
	response := []byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	host, port := fakeOrigin(t, response)

	req := &httpparse.Request{Method: "GET", Path: "/", Version: "HTTP/1.1", Host: host, Port: strconv.Itoa(port)}
	outbound := BuildOutboundRequest(req)

	clientSide, clientTestEnd := net.Pipe()
	defer clientTestEnd.Close()

	connector := upstream.NewConnector()

	resultCh := make(chan Result, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := Relay(connector, clientSide, req, outbound)
		resultCh <- result
		errCh <- err
	}()

	received := make([]byte, 0, len(response))
	buf := make([]byte, 64)
	deadline := time.Now().Add(2 * time.Second)
	clientTestEnd.SetReadDeadline(deadline)
	for len(received) < len(response) {
		n, err := clientTestEnd.Read(buf)
		received = append(received, buf[:n]...)
		if err != nil {
			if err == io.EOF {
				break
			}
			break
		}
	}

	result := <-resultCh
	err := <-errCh
	if err != nil {
		t.Fatalf("unexpected relay error: %v", err)
	}
	if !result.Complete {
		t.Fatal("expected relay to complete on clean upstream EOF")
	}
	if string(result.Response) != string(response) {
		t.Fatalf("expected cached response to match upstream bytes, got %q", result.Response)
	}
	if string(received) != string(response) {
		t.Fatalf("expected client to receive full response, got %q", received)
	}
}

func TestRelayFailsWhenUpstreamUnreachable(t *testing.T) {
	req := &httpparse.Request{Method: "GET", Path: "/", Version: "HTTP/1.1", Host: "127.0.0.1", Port: "1"}
	outbound := BuildOutboundRequest(req)

	clientSide, clientTestEnd := net.Pipe()
	defer clientTestEnd.Close()
	defer clientSide.Close()

	connector := upstream.NewConnector()
	_, err := Relay(connector, clientSide, req, outbound)
	if err == nil {
		t.Fatal("expected an error connecting to a closed port")
	}
}
