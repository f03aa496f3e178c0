// Package bridge wires the frame codec and handshake into per-client
// connection actors, a broadcast fabric, and the server core that accepts
// TCP connections and promotes them to MCP-speaking clients.
package bridge

import (
	"errors"
	"sync"
)

// ErrSessionClosed is returned by Send after a session has been closed.
var ErrSessionClosed = errors.New("bridge: session closed")

// outboundMessage is a single JSON-RPC payload queued for a client's
// writer loop. It is always a complete text-frame payload.
type outboundMessage struct {
	payload []byte
}

// Session is one upgraded client connection: its identity and outbound
// queue. The connection actor owns the socket; Session is the handle
// other goroutines (the broadcast fabric, the control channel) use to
// reach it without touching the socket directly.
//
// The outbound queue is an unbounded MPSC queue, per spec: Send appends
// to a mutex-guarded slice and pings a capacity-1 wake channel; the
// writer loop calls Next in a loop to drain it in FIFO order. A
// producer is never blocked or refused by a healthy session that is
// merely bursting — only a session that has independently closed (a
// dead socket, a protocol error) causes Send to report
// ErrSessionClosed so the broadcaster can skip it.
type Session struct {
	id string

	mu     sync.Mutex
	closed bool
	err    error
	done   chan struct{}
	queue  []outboundMessage
	wake   chan struct{}
}

func newSession(id string) *Session {
	return &Session{
		id:   id,
		done: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}
}

// ID returns the session's client id (a UUID v4 string).
func (s *Session) ID() string { return s.id }

// Send enqueues a payload for delivery. It never blocks on queue
// capacity, since the queue has none: the only way Send fails is a
// session that has already closed.
func (s *Session) Send(payload []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.queue = append(s.queue, outboundMessage{payload: payload})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Next blocks until a queued message is available, returning it with
// ok=true. Once the session has closed and the queue has fully
// drained, it returns ok=false. A close with messages still queued
// drains them first, so the writer loop can flush best-effort before
// tearing down.
func (s *Session) Next() (outboundMessage, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return msg, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return outboundMessage{}, false
		}

		select {
		case <-s.wake:
		case <-s.done:
		}
	}
}

// IsClosed reports whether the session has been torn down.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseError returns the error that caused the session to close, or nil
// if it closed cleanly (or is still open).
func (s *Session) CloseError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears the session down idempotently.
func (s *Session) Close() error {
	return s.closeWithError(nil)
}

func (s *Session) closeWithError(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.err = err
	close(s.done)
	return nil
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
