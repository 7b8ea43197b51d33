// Package upstream opens outbound TCP connections to origin servers. It
// implements spec.md §4.4: resolve host via the system resolver (IPv4
// only — IPv6 is an explicit Non-goal), connect, and return the socket,
// closing any intermediate resources on failure.
package upstream

import (
	"net"
	"strconv"
)

// Connector opens connections to upstream origin servers.
type Connector struct {
	dialer net.Dialer
}

// NewConnector returns a Connector with no connect timeout; the
// underlying OS timeout governs, per spec.md §4.4.
func NewConnector() *Connector {
	return &Connector{}
}

// Connect resolves host and connects to (host, port) over TCP/IPv4.
// net.Dial handles DNS resolution, socket creation, and connect as one
// step, closing any partially-created socket itself on failure — there
// is nothing left open for the caller to clean up on error.
func (c *Connector) Connect(host string, port int) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	return c.dialer.Dial("tcp4", addr)
}
