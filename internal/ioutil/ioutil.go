// Package ioutil provides the byte-level send/receive helpers the rest of
// the proxy core builds on: a full-send loop that retries on transient
// interrupt, and a single bounded receive, plus the process-wide policy
// that keeps a write to a closed peer from being treated as fatal.
package ioutil

import (
	"errors"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// RecvChunkSize is the size of a single relay read (spec.md §4.5 step 7).
const RecvChunkSize = 4096

// SendAll writes the entirety of data to conn, retrying on transient
// interrupt (EINTR) and on short writes. It returns the first
// unrecoverable error encountered, if any.
func SendAll(conn net.Conn, data []byte) error {
	for len(data) > 0 {
		n, err := conn.Write(data)
		if n > 0 {
			data = data[n:]
		}
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return err
		}
	}
	return nil
}

// RecvOnce performs a single read into buf. It returns the byte count on
// success, (0, nil) on a clean peer close, and (0, err) on any other
// error. EINTR is retried transparently rather than surfaced to the
// caller.
func RecvOnce(conn net.Conn, buf []byte) (int, error) {
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return 0, nil
			}
			return 0, err
		}
		return n, nil
	}
}

// IgnoreBrokenPipe installs a process-wide policy so that writing to a
// connection whose peer has already closed never terminates the process.
// On Unix-likes this means ignoring SIGPIPE: Go's net package already
// turns a broken-pipe write into an error return rather than a signal,
// but this is installed defensively for any non-net.Conn descriptor the
// core touches, and to document the contract spec.md §4.1/§9 requires of
// the I/O helpers.
func IgnoreBrokenPipe() {
	signal.Ignore(unix.SIGPIPE)
}

// Errno extracts a syscall.Errno from err, if any is present in its chain.
func Errno(err error) (syscall.Errno, bool) {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}

// IsUnrecoverable reports whether err is non-nil and neither EINTR nor a
// deadline expiry; os.ErrClosed and net.ErrClosed are therefore always
// unrecoverable. SendAll and RecvOnce do not call it: they retry EINTR
// only and return every other error, deadline expiry included.
func IsUnrecoverable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, syscall.EINTR) && !errors.Is(err, os.ErrDeadlineExceeded)
}
