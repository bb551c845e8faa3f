// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/uotunnel/pkg/conn"
	tunerrors "github.com/absmach/uotunnel/pkg/errors"
)

// Session relays one UDP source over its own outbound TCP connection.
type Session struct {
	// ID is unique within a Server.
	ID uint64

	// Key is the table key of this session.
	Key ConnectionID

	// Source is the UDP endpoint replies are sent to.
	Source netip.AddrPort

	// Upstream is the framed TCP connection to the destination.
	Upstream *conn.StreamConn

	Created time.Time

	lastActivity atomic.Int64
	bytes        atomic.Uint64
	disposed     atomic.Bool
}

func newSession(id uint64, src netip.AddrPort, upstream *conn.StreamConn) *Session {
	now := time.Now()
	s := &Session{
		ID:       id,
		Key:      NewConnectionID(src),
		Source:   src,
		Upstream: upstream,
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

// Dispose closes the TCP leg. It reports true only for the call that
// actually disposed the session.
func (s *Session) Dispose() bool {
	if !s.disposed.CompareAndSwap(false, true) {
		return false
	}
	s.Upstream.Dispose()
	return true
}

// Disposed reports whether the session has been disposed.
func (s *Session) Disposed() bool {
	return s.disposed.Load()
}

// SessionManager is the table of live sessions keyed by ConnectionID.
type SessionManager struct {
	mu          sync.Mutex
	sessions    map[ConnectionID]*Session
	maxSessions int
}

// NewSessionManager creates an empty table. A positive maxSessions caps the
// number of live sessions.
func NewSessionManager(maxSessions int) *SessionManager {
	return &SessionManager{
		sessions:    make(map[ConnectionID]*Session),
		maxSessions: maxSessions,
	}
}

// GetOrCreate returns the session stored under key, or calls create and
// stores its result. create runs with the table locked, so at most one
// session is ever created per key. Nothing is stored when create fails.
func (sm *SessionManager) GetOrCreate(key ConnectionID, create func() (*Session, error)) (*Session, bool, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sess, ok := sm.sessions[key]; ok {
		return sess, false, nil
	}
	if sm.maxSessions > 0 && len(sm.sessions) >= sm.maxSessions {
		return nil, false, tunerrors.ErrSessionLimit
	}

	sess, err := create()
	if err != nil {
		return nil, false, err
	}
	sm.sessions[key] = sess
	return sess, true, nil
}

// Get returns the session stored under key.
func (sm *SessionManager) Get(key ConnectionID) (*Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sess, ok := sm.sessions[key]
	return sess, ok
}

// Remove deletes sess from the table if it is still the entry for its key.
func (sm *SessionManager) Remove(sess *Session) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if cur, ok := sm.sessions[sess.Key]; ok && cur == sess {
		delete(sm.sessions, sess.Key)
		return true
	}
	return false
}

// Expired returns the sessions idle for at least timeout as of now.
func (sm *SessionManager) Expired(now time.Time, timeout time.Duration) []*Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var expired []*Session
	for _, sess := range sm.sessions {
		if now.Sub(sess.LastActivity()) >= timeout {
			expired = append(expired, sess)
		}
	}
	return expired
}

// TakeAll empties the table and returns what it held.
func (sm *SessionManager) TakeAll() []*Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	all := make([]*Session, 0, len(sm.sessions))
	for key, sess := range sm.sessions {
		all = append(all, sess)
		delete(sm.sessions, key)
	}
	return all
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}
