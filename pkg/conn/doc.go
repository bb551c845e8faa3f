// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package conn wraps the two legs of a tunnel session.
//
// StreamConn turns a TCP byte stream into ordered, length-prefixed frames
// (see package frame). PacketConn wraps a UDP socket and handles one
// datagram per receive.
//
// Both share the same discipline:
//
//	Start(onReceive, onClose)  one goroutine blocking on the socket;
//	                           onClose fires once when it exits
//	Send(payload, ...)         copy into a pooled buffer, enqueue, return
//	                           (blocks only while the queue is full)
//	writer goroutine           drains the queue in order, one write per item
//	Dispose()                  idempotent; drops queued items, closes the
//	                           socket, which ends the receive loop
//
// A write failure disposes the connection. Callers learn about it through
// onClose, never through Send.
package conn
