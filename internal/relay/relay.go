// Package relay rewrites an outbound request and streams the upstream
// response back to the client, accumulating it for the cache. It
// implements spec.md §4.5.
package relay

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/basilproxy/fwdproxy/internal/httpparse"
	ioutilx "github.com/basilproxy/fwdproxy/internal/ioutil"
	"github.com/basilproxy/fwdproxy/internal/upstream"
)

// Result carries the outcome of a relay attempt.
type Result struct {
	// Response is the byte sequence read from upstream. When Complete is
	// true it is the full response, suitable for insertion into the
	// cache; otherwise it holds only the bytes read before the failure.
	Response []byte
	// Complete reports whether the upstream stream was read to EOF
	// without error. A relay that was interrupted mid-stream
	// (spec.md §7 RelayInterrupted) has Complete == false and its
	// response must not be cached.
	Complete bool
}

// BuildOutboundRequest reconstructs the request line and headers to send
// upstream: the original method/path/version, all original headers
// except Host and Connection (case-insensitive), followed by a fresh
// Host and Connection: close, per spec.md §4.5 steps 1–3 and §6.
func BuildOutboundRequest(req *httpparse.Request) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %s\r\n", req.Method, req.Path, req.Version)
	for _, h := range req.Headers {
		if strings.EqualFold(h.Key, "Host") || strings.EqualFold(h.Key, "Connection") {
			continue
		}
		fmt.Fprintf(&buf, "%s: %s\r\n", h.Key, h.Value)
	}
	fmt.Fprintf(&buf, "Host: %s\r\n", req.Host)
	buf.WriteString("Connection: close\r\n")
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// ResolveOutboundPort determines the upstream TCP port: the parsed port
// if present and numeric, else 80 (spec.md §4.5 step 4). A present but
// non-numeric port resolves to 0, which Connector.Connect will fail to
// dial — surfaced by the worker as a 500 (spec.md §8 boundary note).
func ResolveOutboundPort(raw string) int {
	if raw == "" {
		return 80
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

// Relay opens an upstream connection, sends the rewritten request, and
// copies the response to client while accumulating it into Result.Response.
// It returns an error only for failures before any client bytes are sent
// (spec.md §4.5 steps 5–6, error kind UpstreamUnreachable); a failure
// during the copy loop itself is reported via Result.Complete == false,
// not as an error, since the client may already have received partial
// bytes.
func Relay(connector *upstream.Connector, clientConn net.Conn, req *httpparse.Request, outbound []byte) (Result, error) {
	port := ResolveOutboundPort(req.Port)

	upConn, err := connector.Connect(req.Host, port)
	if err != nil {
		return Result{}, fmt.Errorf("relay: connect upstream: %w", err)
	}
	defer upConn.Close()

	if err := ioutilx.SendAll(upConn, outbound); err != nil {
		return Result{}, fmt.Errorf("relay: send to upstream: %w", err)
	}

	var response bytes.Buffer
	buf := make([]byte, ioutilx.RecvChunkSize)
	clientAlive := true
	for {
		n, err := ioutilx.RecvOnce(upConn, buf)
		if err != nil {
			// Upstream read error mid-stream: RelayInterrupted, not
			// cached (spec.md §4.5 step 8, §7).
			return Result{Response: response.Bytes(), Complete: false}, nil
		}
		if n == 0 {
			// Clean EOF from upstream: the full response was received,
			// so it is cached unconditionally even if the client send
			// failed partway through (spec.md §4.5 step 7–8, §5).
			return Result{Response: response.Bytes(), Complete: true}, nil
		}

		response.Write(buf[:n])
		if clientAlive {
			if sendErr := ioutilx.SendAll(clientConn, buf[:n]); sendErr != nil {
				// A client-side send failure is not itself a hard
				// failure for the caching decision: keep draining
				// upstream to EOF so the response can still populate
				// the cache, just stop forwarding to the client.
				clientAlive = false
			}
		}
	}
}
