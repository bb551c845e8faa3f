// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package conn

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"

	tunerrors "github.com/absmach/uotunnel/pkg/errors"
	"github.com/absmach/uotunnel/pkg/frame"
	"github.com/absmach/uotunnel/pkg/pool"
)

// Options tunes a tunnel connection.
type Options struct {
	// QueueSize bounds the send queue. If 0, DefaultQueueSize (1024) is used.
	QueueSize int

	// MaxIdleBuffers caps the connection's private buffer pool.
	// If 0, pool.DefaultMaxIdle is used.
	MaxIdleBuffers int

	// OnQueueFull is called each time Send has to wait for a free slot.
	OnQueueFull func()

	// Logger for connection events
	Logger *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// StreamConn carries length-prefixed frames over a byte stream.
// Receives run on a dedicated goroutine; sends are queued and written in
// order by a single writer goroutine.
type StreamConn struct {
	conn     net.Conn
	logger   *slog.Logger
	queue    *sendQueue
	started  atomic.Bool
	disposed atomic.Bool
}

// NewStreamConn wraps c. The writer starts immediately, so Send may be
// called before Start.
func NewStreamConn(c net.Conn, opts Options) *StreamConn {
	sc := &StreamConn{
		conn:   c,
		logger: opts.logger(),
	}
	buffers := pool.New(frame.MaxPayloadSize, opts.MaxIdleBuffers)
	sc.queue = newSendQueue(opts.QueueSize, buffers, sc.write, sc.writeFailed, opts.OnQueueFull)
	return sc
}

// Start launches the receive loop. onReceive is called once per frame with
// a slice that is only valid for the duration of the call. onClose is
// called exactly once when the loop ends. Start has no effect on an
// already started connection. On a connection disposed before Start,
// neither callback ever runs.
func (sc *StreamConn) Start(onReceive func(payload []byte), onClose func()) {
	if sc.disposed.Load() || !sc.started.CompareAndSwap(false, true) {
		return
	}
	go sc.receiveLoop(onReceive, onClose)
}

// Send queues payload as one frame. It returns once the frame is queued,
// blocking only while the queue is full.
func (sc *StreamConn) Send(payload []byte) error {
	if len(payload) > frame.MaxPayloadSize {
		return tunerrors.ErrFrameTooLarge
	}
	if sc.disposed.Load() {
		return tunerrors.ErrConnectionClosed
	}
	if !sc.queue.push(payload, netip.AddrPort{}) {
		return tunerrors.ErrConnectionClosed
	}
	return nil
}

// Dispose stops the writer, shuts down both directions and closes the
// socket. Only the first call has any effect.
func (sc *StreamConn) Dispose() {
	if sc.disposed.Swap(true) {
		return
	}

	sc.queue.stop()

	if hc, ok := sc.conn.(interface {
		CloseRead() error
		CloseWrite() error
	}); ok {
		_ = hc.CloseRead()
		_ = hc.CloseWrite()
	}
	if err := sc.conn.Close(); err != nil {
		sc.logger.Debug("stream close error", slog.String("error", err.Error()))
	}
}

// Disposed reports whether Dispose has been called.
func (sc *StreamConn) Disposed() bool {
	return sc.disposed.Load()
}

// RemoteAddr returns the peer address of the underlying connection.
func (sc *StreamConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}

// LocalAddr returns the local address of the underlying connection.
func (sc *StreamConn) LocalAddr() net.Addr {
	return sc.conn.LocalAddr()
}

func (sc *StreamConn) receiveLoop(onReceive func([]byte), onClose func()) {
	defer onClose()

	r := frame.NewReader(sc.conn)
	for {
		payload, err := r.Next()
		if err != nil {
			if !sc.disposed.Load() && !errors.Is(err, io.EOF) {
				sc.logger.Debug("stream receive error",
					slog.String("remote", sc.conn.RemoteAddr().String()),
					slog.String("error", err.Error()))
			}
			return
		}
		onReceive(payload)
	}
}

func (sc *StreamConn) write(job sendJob) error {
	return frame.Write(sc.conn, job.buf[:job.n])
}

func (sc *StreamConn) writeFailed(err error) {
	if !sc.disposed.Load() {
		sc.logger.Debug("stream write error",
			slog.String("remote", sc.conn.RemoteAddr().String()),
			slog.String("error", err.Error()))
	}
	sc.Dispose()
}
