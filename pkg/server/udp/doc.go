// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package udp implements the UDP-to-TCP director (udp2tcp mode).
//
// # Overview
//
// The director owns one UDP socket. Every distinct source endpoint gets its
// own session, and every session owns one outbound TCP connection to the
// fixed destination:
//
//	┌────────┐         ┌──────────┐  frames   ┌─────────────┐
//	│ Client │ ←─UDP─→ │ Director │ ←──TCP──→ │ Destination │
//	└────────┘         └──────────┘  (1 per   └─────────────┘
//	                         │        source)
//	                         ↓
//	                   ┌──────────┐
//	                   │ Session  │  keyed by ConnectionID
//	                   │ Manager  │
//	                   └──────────┘
//
// # Packet Flow
//
//	1. Datagram arrives on the ingress socket
//	2. ConnectionID is derived from its source address and port
//	3. With the table locked, the session is looked up or created;
//	   creation dials the destination
//	4. The payload is queued as one frame on the session's TCP connection
//	5. Frames read back from TCP are sent as datagrams to the source
//	   through the ingress socket
//
// If the dial fails nothing is stored and the datagram is dropped. The next
// datagram from the same source tries again.
//
// # Session Lifecycle
//
// A session ends when its TCP connection fails or closes, when it has been
// idle for SessionTimeout (checked every SweepInterval), or when the
// director shuts down. Disposal happens exactly once and removes the table
// entry only if it still refers to the same session.
//
// # Example
//
//	cfg := udp.Config{
//		Address:       ":51820",
//		TargetAddress: "tunnel.example.com:443",
//	}
//
//	server := udp.New(cfg)
//	if err := server.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package udp
