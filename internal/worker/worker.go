// Package worker runs the per-client state machine spec.md §4.6
// describes: receive headers, look up the cache, parse and dispatch to a
// relay on miss, and always leave the connection in a terminal state
// (response sent, or the socket simply closed for a receive failure).
package worker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/basilproxy/fwdproxy/internal/cache"
	"github.com/basilproxy/fwdproxy/internal/httpparse"
	ioutilx "github.com/basilproxy/fwdproxy/internal/ioutil"
	"github.com/basilproxy/fwdproxy/internal/logging"
	"github.com/basilproxy/fwdproxy/internal/metrics"
	"github.com/basilproxy/fwdproxy/internal/relay"
	"github.com/basilproxy/fwdproxy/internal/upstream"
)

const headerTerminator = "\r\n\r\n"

// Worker holds the collaborators a per-connection run needs. One Worker
// is shared by every connection; it carries no per-connection state.
type Worker struct {
	Cache          *cache.Cache
	Connector      *upstream.Connector
	Logger         *logging.Logger
	Metrics        *metrics.Metrics
	MaxHeaderBytes int
}

// New constructs a Worker. maxHeaderBytes bounds how many bytes of
// request header the worker will buffer before failing the connection
// with a 400 (spec.md §4.6 state S1, error kind ClientProtocolError).
func New(c *cache.Cache, conn *upstream.Connector, logger *logging.Logger, m *metrics.Metrics, maxHeaderBytes int) *Worker {
	return &Worker{Cache: c, Connector: conn, Logger: logger, Metrics: m, MaxHeaderBytes: maxHeaderBytes}
}

// Handle runs one connection through S0 (already admitted by the caller)
// through S5 (terminate): receive, look up, parse, dispatch, respond,
// close. It never panics on a malformed client; every failure path
// writes an error response and returns, except a peer that closes
// before sending any byte and a relay interrupted after bytes were
// streamed to the client, where the connection is simply closed.
func (w *Worker) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	start := time.Now()
	remote := conn.RemoteAddr().String()
	ctx, span := w.Logger.StartSpan(ctx, "worker.handle")
	defer span.End()

	status := 0
	defer func() {
		w.Logger.ConnectionClosed(ctx, remote, status, time.Since(start))
	}()

	raw, gotBytes, ok := w.receiveHeaders(conn)
	if !ok {
		if !gotBytes {
			// Peer closed without ever sending a byte: S5 silent close,
			// not an error (spec.md §4.6 state S1 outcome (d)).
			status = 0
			return
		}
		// Peer sent bytes but the connection ended before a well-formed
		// header block arrived (overflow, read error, or early close
		// mid-header): S4 with 400 (spec.md §4.6 state S1 outcome (c)).
		status = 400
		w.writeError(conn, 400)
		w.Metrics.ResponseSent(400)
		return
	}

	if cached, hit := w.Cache.Get(raw); hit {
		status = 200
		w.Logger.CacheHit(ctx, remote, len(cached))
		if err := ioutilx.SendAll(conn, cached); err != nil {
			w.Logger.Warn(ctx, "send cached response failed", slog.String("remote_addr", remote))
		}
		w.Metrics.ResponseSent(200)
		return
	}

	req, err := httpparse.Parse(raw)
	if err != nil {
		status = 400
		w.Metrics.ParseFailed()
		w.Logger.Warn(ctx, "malformed request", slog.String("remote_addr", remote))
		w.writeError(conn, 400)
		w.Metrics.ResponseSent(400)
		return
	}

	if !strings.EqualFold(req.Method, "GET") {
		status = 501
		w.Metrics.MethodRejected()
		w.Logger.Warn(ctx, "method not implemented",
			slog.String("remote_addr", remote), slog.String("method", req.Method))
		w.writeError(conn, 501)
		w.Metrics.ResponseSent(501)
		return
	}

	if req.Host == "" {
		status = 400
		w.Metrics.ParseFailed()
		w.writeError(conn, 400)
		w.Metrics.ResponseSent(400)
		return
	}

	w.Logger.CacheMiss(ctx, remote, req.Host)
	outbound := relay.BuildOutboundRequest(req)

	relayStart := time.Now()
	result, err := relay.Relay(w.Connector, conn, req, outbound)
	relayDuration := time.Since(relayStart)
	w.Metrics.ObserveRelay(relayDuration)

	if err != nil {
		status = 500
		w.Metrics.DialFailed()
		w.Logger.Warn(ctx, "relay failed",
			slog.String("remote_addr", remote), slog.String("host", req.Host), slog.String("error", err.Error()))
		w.writeError(conn, 500)
		w.Metrics.ResponseSent(500)
		return
	}

	w.Logger.Relayed(ctx, remote, req.Host, len(result.Response), result.Complete, relayDuration)

	if result.Complete {
		w.Cache.Put(raw, result.Response)
		status = 200
		w.Metrics.ResponseSent(200)
		return
	}

	// RelayInterrupted: bytes were already streamed to the client as
	// they arrived, so there is no error response left to send; the
	// partial response is simply not cached.
	status = 502
}

// receiveHeaders reads from conn until the blank-line header terminator
// appears, or the accumulated buffer exceeds MaxHeaderBytes, or the
// connection errors. On success raw is truncated to end exactly at the
// terminator, discarding any trailing bytes already read (a body, or a
// pipelined second request) — those aren't part of the cache key or the
// parsed request (spec.md §3, §4.3). gotBytes reports whether any bytes
// were ever accumulated, distinguishing a peer that closed having sent
// nothing (S5, silent close) from one cut off mid-header (S4, 400).
func (w *Worker) receiveHeaders(conn net.Conn) (raw []byte, gotBytes bool, ok bool) {
	var buf bytes.Buffer
	chunk := make([]byte, ioutilx.RecvChunkSize)

	for {
		n, err := ioutilx.RecvOnce(conn, chunk)
		if err != nil {
			return nil, buf.Len() > 0, false
		}
		if n == 0 {
			return nil, buf.Len() > 0, false
		}
		buf.Write(chunk[:n])

		if buf.Len() > w.MaxHeaderBytes {
			w.Metrics.HeaderOverflow()
			return nil, true, false
		}
		if idx := bytes.Index(buf.Bytes(), []byte(headerTerminator)); idx >= 0 {
			return buf.Bytes()[:idx+len(headerTerminator)], true, true
		}
	}
}

// writeError sends the minimal HTTP/1.1 error response spec.md §6
// defines for status: status line, Content-Length: 0, Connection:
// close, a Date header, and a blank line. Send failures are not
// reported — the worker is already on a terminal path.
func (w *Worker) writeError(conn net.Conn, status int) {
	_ = ioutilx.SendAll(conn, errorResponse(status))
}

func errorResponse(status int) []byte {
	reason := reasonPhrase(status)
	date := time.Now().UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
	return []byte(fmt.Sprintf(
		"HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\nDate: %s\r\n\r\n",
		status, reason, date,
	))
}

func reasonPhrase(status int) string {
	switch status {
	case 400:
		return "Bad Request"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	default:
		return "Error"
	}
}
