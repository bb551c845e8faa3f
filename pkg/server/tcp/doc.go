// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the TCP-to-UDP director (tcp2udp mode).
//
// # Overview
//
// The director accepts TCP connections carrying length-prefixed frames.
// Each accepted connection becomes a session with its own ephemeral UDP
// socket; frames leave that socket as datagrams to the fixed destination
// and datagrams arriving on it return to the client as frames.
//
//	┌────────┐  frames   ┌──────────┐         ┌─────────────┐
//	│ Client │ ←──TCP──→ │ Director │ ←─UDP─→ │ Destination │
//	└────────┘           └──────────┘ (1 port └─────────────┘
//	                                   per session)
//
// # Connection Flow
//
//  1. Accept the connection (TCP keep-alive on) and hand it to its own
//     goroutine
//  2. With ProxyProtocol set, read the PROXY header for the client address
//  3. Apply admission checks (rate limit, session cap)
//  4. Bind an ephemeral UDP socket of the destination's address family
//  5. Add the session to the set and start both receive loops
//
// # Source Checking
//
// By default any datagram arriving on a session's UDP socket is relayed,
// whoever sent it. With StrictSource set, datagrams not sent by the
// destination are dropped.
//
// # Session Lifecycle
//
// A session ends when either leg fails or closes, when it has been idle for
// SessionTimeout (checked every SweepInterval), or when the director shuts
// down. Disposal closes both sockets exactly once and removes the session
// from the set.
//
// # Listen Backlog
//
// The accept backlog is the operating system default; the standard
// library does not expose it.
package tcp
