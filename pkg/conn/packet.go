// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package conn

import (
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"

	tunerrors "github.com/absmach/uotunnel/pkg/errors"
	"github.com/absmach/uotunnel/pkg/frame"
	"github.com/absmach/uotunnel/pkg/pool"
)

// PacketConn carries raw datagrams over a UDP socket with the same
// receive loop and ordered send queue as StreamConn.
type PacketConn struct {
	conn     *net.UDPConn
	logger   *slog.Logger
	queue    *sendQueue
	started  atomic.Bool
	disposed atomic.Bool
}

// NewPacketConn wraps c.
func NewPacketConn(c *net.UDPConn, opts Options) *PacketConn {
	pc := &PacketConn{
		conn:   c,
		logger: opts.logger(),
	}
	buffers := pool.New(frame.MaxPayloadSize, opts.MaxIdleBuffers)
	pc.queue = newSendQueue(opts.QueueSize, buffers, pc.write, pc.writeFailed, opts.OnQueueFull)
	return pc
}

// Start launches the receive loop. Each datagram invokes onReceive with its
// payload, valid only during the call, and the sender address. onClose is
// called exactly once when the loop ends. On a connection disposed before
// Start, neither callback ever runs.
func (pc *PacketConn) Start(onReceive func(payload []byte, from netip.AddrPort), onClose func()) {
	if pc.disposed.Load() || !pc.started.CompareAndSwap(false, true) {
		return
	}
	go pc.receiveLoop(onReceive, onClose)
}

// Send queues payload for delivery to addr.
func (pc *PacketConn) Send(payload []byte, addr netip.AddrPort) error {
	if len(payload) > frame.MaxPayloadSize {
		return tunerrors.ErrFrameTooLarge
	}
	if pc.disposed.Load() {
		return tunerrors.ErrConnectionClosed
	}
	if !pc.queue.push(payload, addr) {
		return tunerrors.ErrConnectionClosed
	}
	return nil
}

// Dispose stops the writer and closes the socket. Only the first call has
// any effect.
func (pc *PacketConn) Dispose() {
	if pc.disposed.Swap(true) {
		return
	}

	pc.queue.stop()
	if err := pc.conn.Close(); err != nil {
		pc.logger.Debug("packet close error", slog.String("error", err.Error()))
	}
}

// Disposed reports whether Dispose has been called.
func (pc *PacketConn) Disposed() bool {
	return pc.disposed.Load()
}

// LocalAddr returns the bound address of the socket.
func (pc *PacketConn) LocalAddr() net.Addr {
	return pc.conn.LocalAddr()
}

func (pc *PacketConn) receiveLoop(onReceive func([]byte, netip.AddrPort), onClose func()) {
	defer onClose()

	buf := make([]byte, frame.MaxPayloadSize)
	for {
		n, from, err := pc.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if !pc.disposed.Load() {
				pc.logger.Debug("packet receive error",
					slog.String("local", pc.conn.LocalAddr().String()),
					slog.String("error", err.Error()))
			}
			return
		}
		onReceive(buf[:n], from)
	}
}

func (pc *PacketConn) write(job sendJob) error {
	_, err := pc.conn.WriteToUDPAddrPort(job.buf[:job.n], job.addr)
	return err
}

func (pc *PacketConn) writeFailed(err error) {
	if !pc.disposed.Load() {
		pc.logger.Debug("packet write error",
			slog.String("local", pc.conn.LocalAddr().String()),
			slog.String("error", err.Error()))
	}
	pc.Dispose()
}
