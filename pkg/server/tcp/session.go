// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/uotunnel/pkg/conn"
	tunerrors "github.com/absmach/uotunnel/pkg/errors"
)

// Session relays one accepted TCP connection through its own UDP socket.
type Session struct {
	ID uint64

	// Client is the remote endpoint of the inbound TCP connection.
	Client netip.AddrPort

	Inbound  *conn.StreamConn
	Outbound *conn.PacketConn

	Created time.Time

	lastActivity atomic.Int64
	bytes        atomic.Uint64
	disposed     atomic.Bool
}

func newSession(id uint64, client netip.AddrPort, inbound *conn.StreamConn, outbound *conn.PacketConn) *Session {
	now := time.Now()
	s := &Session{
		ID:       id,
		Client:   client,
		Inbound:  inbound,
		Outbound: outbound,
		Created:  now,
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

// Touch records activity on either leg.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent Touch.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Transferred adds n relayed payload bytes to the session total.
func (s *Session) Transferred(n int) {
	s.bytes.Add(uint64(n))
}

// Bytes returns the payload bytes relayed in both directions.
func (s *Session) Bytes() uint64 {
	return s.bytes.Load()
}

// Dispose closes both legs. It reports true only for the call that
// actually disposed the session.
func (s *Session) Dispose() bool {
	if !s.disposed.CompareAndSwap(false, true) {
		return false
	}
	s.Inbound.Dispose()
	s.Outbound.Dispose()
	return true
}

// Disposed reports whether the session has been disposed.
func (s *Session) Disposed() bool {
	return s.disposed.Load()
}

// SessionSet tracks live sessions by identity.
type SessionSet struct {
	mu          sync.Mutex
	sessions    map[*Session]struct{}
	maxSessions int
}

// NewSessionSet creates an empty set. A positive maxSessions caps the
// number of live sessions.
func NewSessionSet(maxSessions int) *SessionSet {
	return &SessionSet{
		sessions:    make(map[*Session]struct{}),
		maxSessions: maxSessions,
	}
}

// Add inserts sess unless the set is full.
func (ss *SessionSet) Add(sess *Session) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.maxSessions > 0 && len(ss.sessions) >= ss.maxSessions {
		return tunerrors.ErrSessionLimit
	}
	ss.sessions[sess] = struct{}{}
	return nil
}

// Remove deletes sess and reports whether it was present.
func (ss *SessionSet) Remove(sess *Session) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if _, ok := ss.sessions[sess]; !ok {
		return false
	}
	delete(ss.sessions, sess)
	return true
}

// Expired returns the sessions idle for at least timeout as of now.
func (ss *SessionSet) Expired(now time.Time, timeout time.Duration) []*Session {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	var expired []*Session
	for sess := range ss.sessions {
		if now.Sub(sess.LastActivity()) >= timeout {
			expired = append(expired, sess)
		}
	}
	return expired
}

// TakeAll empties the set and returns what it held.
func (ss *SessionSet) TakeAll() []*Session {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	all := make([]*Session, 0, len(ss.sessions))
	for sess := range ss.sessions {
		all = append(all, sess)
	}
	clear(ss.sessions)
	return all
}

// Count returns the number of live sessions.
func (ss *SessionSet) Count() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.sessions)
}
