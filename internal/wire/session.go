package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Session is a duplex framed byte stream bound to one socket.
//
// Send is safe for concurrent use: timer callbacks and the request path
// enqueue through the same buffered writer under one mutex, and every Send
// flushes so the frame reaches the kernel buffer before returning. Receive
// must be driven by a single goroutine, matching the one-task-per-connection
// discipline.
type Session struct {
	conn net.Conn
	br   *bufio.Reader

	wmu          sync.Mutex
	bw           *bufio.Writer
	writeTimeout time.Duration

	closed atomic.Bool
}

// NewSession wraps an established connection.
func NewSession(conn net.Conn) *Session {
	return &Session{
		conn: conn,
		br:   bufio.NewReader(conn),
		bw:   bufio.NewWriter(conn),
	}
}

// SetWriteTimeout bounds each subsequent Send. Zero disables the bound.
func (s *Session) SetWriteTimeout(d time.Duration) {
	s.wmu.Lock()
	s.writeTimeout = d
	s.wmu.Unlock()
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Close releases the socket. Pending receives fail with a closed-connection
// error. Safe to call more than once.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Send frames and writes one message, flushing before returning.
func (s *Session) Send(kind Kind, payload []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: payload %d exceeds %d", ErrProtocol, len(payload), MaxPayload)
	}

	var header [HeaderSize]byte
	binary.BigEndian.PutUint16(header[0:2], uint16(kind))
	binary.BigEndian.PutUint32(header[2:6], uint32(len(payload)))

	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if _, err := s.bw.Write(header[:]); err != nil {
		return fmt.Errorf("wire: send %s: %w", kind, err)
	}
	if _, err := s.bw.Write(payload); err != nil {
		return fmt.Errorf("wire: send %s: %w", kind, err)
	}
	if err := s.bw.Flush(); err != nil {
		return fmt.Errorf("wire: send %s: %w", kind, err)
	}
	return nil
}

// Receive blocks until one complete message has arrived and returns it.
// Partial reads across socket deliveries are reassembled transparently.
// A header announcing more than MaxPayload bytes returns an error wrapping
// ErrProtocol; the caller must close the session.
func (s *Session) Receive() (Msg, error) {
	if s.closed.Load() {
		return Msg{}, ErrSessionClosed
	}

	var header [HeaderSize]byte
	if _, err := io.ReadFull(s.br, header[:]); err != nil {
		return Msg{}, receiveErr(err)
	}

	kind := Kind(binary.BigEndian.Uint16(header[0:2]))
	length := binary.BigEndian.Uint32(header[2:6])
	if length > MaxPayload {
		return Msg{}, fmt.Errorf("%w: announced length %d exceeds %d", ErrProtocol, length, MaxPayload)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(s.br, payload); err != nil {
		return Msg{}, receiveErr(err)
	}

	return Msg{Kind: kind, Payload: payload}, nil
}

// receiveErr normalizes socket shutdown errors to io.EOF-style semantics.
func receiveErr(err error) error {
	if err == io.ErrUnexpectedEOF {
		// Peer vanished mid-frame.
		return fmt.Errorf("wire: truncated frame: %w", err)
	}
	return err
}
