// Package channel wraps the stream socket shared with the proxy process.
package channel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var ErrNotStream = errors.New("descriptor is not a stream socket")

// Channel is a connected byte stream released exactly once.
type Channel struct {
	conn net.Conn

	once     sync.Once
	closeErr error
}

// New wraps an established connection.
func New(conn net.Conn) *Channel {
	return &Channel{conn: conn}
}

// FromFD adopts an inherited, already connected SOCK_STREAM descriptor.
// The channel owns fd afterwards; it is closed whether or not FromFD
// succeeds.
func FromFD(fd int) (*Channel, error) {
	if fd < 0 {
		return nil, fmt.Errorf("fd %d: %w", fd, unix.EBADF)
	}

	typ, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("fd %d: %w: %w", fd, ErrNotStream, err)
	}

	if typ != unix.SOCK_STREAM {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("fd %d: socket type %d: %w", fd, typ, ErrNotStream)
	}

	unix.CloseOnExec(fd)

	f := os.NewFile(uintptr(fd), "mpqemu-"+strconv.Itoa(fd))
	defer f.Close()

	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("fd %d: %w", fd, err)
	}

	return New(conn), nil
}

// Pair returns both ends of a fresh AF_UNIX stream socketpair.
func Pair() (*Channel, *Channel, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}

	a, err := FromFD(fds[0])
	if err != nil {
		_ = unix.Close(fds[1])

		return nil, nil, err
	}

	b, err := FromFD(fds[1])
	if err != nil {
		a.Close()

		return nil, nil, err
	}

	return a, b, nil
}

func (c *Channel) Read(p []byte) (int, error) {
	return c.conn.Read(p)
}

func (c *Channel) Write(p []byte) (int, error) {
	return c.conn.Write(p)
}

// SetReadDeadline bounds the next reads; the zero time removes the bound.
func (c *Channel) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline bounds the next writes; the zero time removes the bound.
func (c *Channel) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// Close releases the connection. Later calls return the first result.
func (c *Channel) Close() error {
	c.once.Do(func() {
		c.closeErr = c.conn.Close()
	})

	return c.closeErr
}

func (c *Channel) String() string {
	return fmt.Sprintf("%s->%s", c.conn.LocalAddr(), c.conn.RemoteAddr())
}
