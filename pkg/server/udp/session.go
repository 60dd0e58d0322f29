// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// exchangeLifetime is how long a message id is remembered for duplicate
// detection (RFC 7252 EXCHANGE_LIFETIME).
const exchangeLifetime = 247 * time.Second

type exchange struct {
	response []byte
	at       time.Time
}

// Session holds the duplicate detection state of one peer.
type Session struct {
	// ID is a unique identifier for this session.
	ID string

	// RemoteAddr is the peer's UDP address.
	RemoteAddr *net.UDPAddr

	mu           sync.Mutex
	lastActivity time.Time
	exchanges    map[int32]*exchange
}

// Seen records mid and reports whether it was already received. The
// returned response is nil while the first copy is still being served.
func (s *Session) Seen(mid int32) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.lastActivity = now
	if ex, ok := s.exchanges[mid]; ok && now.Sub(ex.at) < exchangeLifetime {
		return ex.response, true
	}
	s.exchanges[mid] = &exchange{at: now}
	return nil, false
}

// Answer stores the response sent for mid so duplicates get the same one.
func (s *Session) Answer(mid int32, response []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ex, ok := s.exchanges[mid]; ok {
		ex.response = response
	}
}

// LastActivity returns the last time a message was received.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// expire drops exchanges older than exchangeLifetime and reports whether
// any are left.
func (s *Session) expire(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for mid, ex := range s.exchanges {
		if now.Sub(ex.at) >= exchangeLifetime {
			delete(s.exchanges, mid)
		}
	}
	return len(s.exchanges) > 0
}

// SessionManager tracks sessions keyed by peer address.
type SessionManager struct {
	sessions    map[string]*Session
	mu          sync.RWMutex
	logger      *slog.Logger
	maxSessions int
}

// NewSessionManager creates a new session manager.
func NewSessionManager(logger *slog.Logger, maxSessions int) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		sessions:    make(map[string]*Session),
		logger:      logger,
		maxSessions: maxSessions,
	}
}

// GetOrCreate gets the session of clientAddr or creates one.
func (sm *SessionManager) GetOrCreate(clientAddr *net.UDPAddr) (*Session, error) {
	key := clientAddr.String()

	sm.mu.RLock()
	if sess, ok := sm.sessions[key]; ok {
		sm.mu.RUnlock()
		return sess, nil
	}
	sm.mu.RUnlock()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sess, ok := sm.sessions[key]; ok {
		return sess, nil
	}
	if sm.maxSessions > 0 && len(sm.sessions) >= sm.maxSessions {
		return nil, fmt.Errorf("session limit reached (%d), rejecting new session", sm.maxSessions)
	}

	sess := &Session{
		ID:           uuid.New().String(),
		RemoteAddr:   clientAddr,
		lastActivity: time.Now(),
		exchanges:    make(map[int32]*exchange),
	}
	sm.sessions[key] = sess

	sm.logger.Debug("new CoAP peer",
		slog.String("session", sess.ID),
		slog.String("client", key))
	return sess, nil
}

// Cleanup periodically removes expired exchanges until ctx is done. A
// session idle for longer than timeout is removed once it has no exchange
// left, so a late retransmission is still recognized as a duplicate.
func (sm *SessionManager) Cleanup(ctx context.Context, timeout time.Duration) {
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.cleanupExpired(timeout)
		}
	}
}

func (sm *SessionManager) cleanupExpired(timeout time.Duration) {
	now := time.Now()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	removed := 0
	for key, sess := range sm.sessions {
		if sess.expire(now) || now.Sub(sess.LastActivity()) <= timeout {
			continue
		}
		delete(sm.sessions, key)
		removed++
	}
	if removed > 0 {
		sm.logger.Debug("cleaned up idle CoAP peers", slog.Int("count", removed))
	}
}

// Clear drops every session.
func (sm *SessionManager) Clear() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	clear(sm.sessions)
}

// Count returns the number of tracked sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}
