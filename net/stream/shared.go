// Package stream implements the TCP side of twinlink.
// Every connection is split into a receive handle and a send handle which co-own the socket:
// the socket is closed by whichever handle is released last.
package stream

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrConnClosed = errors.New("stream: connection closed")
	ErrReleased   = errors.New("stream: handle released")
)

// Shared is a connection co-owned by two handles
type Shared struct {
	conn   net.Conn
	remote string

	refs     atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once
	closed   chan struct{}
}

// Handle is one owner's view of a Shared connection. A handle is used by exactly one goroutine.
type Handle struct {
	shared   *Shared
	released atomic.Bool
}

// Split wraps conn into a Shared connection and returns its two handles
func Split(conn net.Conn) (rx, tx *Handle) {
	s := &Shared{
		conn:   conn,
		stop:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	if addr := conn.RemoteAddr(); addr != nil {
		s.remote = addr.String()
	}
	s.refs.Store(2)

	return &Handle{shared: s}, &Handle{shared: s}
}

func (s *Shared) Remote() string {
	return s.remote
}

// Closed is closed once both handles were released and the socket is closed
func (s *Shared) Closed() <-chan struct{} {
	return s.closed
}

func (h *Handle) Shared() *Shared {
	return h.shared
}

func (h *Handle) Remote() string {
	return h.shared.remote
}

// Read reads from the socket. A blocked read returns an error once the connection is stopped.
func (h *Handle) Read(p []byte) (int, error) {
	if h.released.Load() {
		return 0, ErrReleased
	}
	return h.shared.conn.Read(p)
}

// Write writes to the socket unless the connection was stopped, in which case it returns ErrConnClosed
// without touching the socket.
func (h *Handle) Write(p []byte) (int, error) {
	if h.released.Load() {
		return 0, ErrReleased
	}
	if h.IsStopped() {
		return 0, ErrConnClosed
	}
	return h.shared.conn.Write(p)
}

// Stop signals both owners to finish. It is idempotent.
func (h *Handle) Stop() {
	s := h.shared
	s.stopOnce.Do(func() {
		close(s.stop)
		// Unblock a pending read or write
		_ = s.conn.SetDeadline(time.Now())
	})
}

// Stopped is closed when either owner called Stop
func (h *Handle) Stopped() <-chan struct{} {
	return h.shared.stop
}

func (h *Handle) IsStopped() bool {
	select {
	case <-h.shared.stop:
		return true
	default:
		return false
	}
}

// Release gives up this handle's ownership. The last release closes the socket.
func (h *Handle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return ErrReleased
	}

	s := h.shared
	if s.refs.Add(-1) > 0 {
		return nil
	}

	err := s.conn.Close()
	close(s.closed)
	return err
}
