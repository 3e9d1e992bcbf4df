// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import "sync"

// syncMap is a mutex-guarded session map. A plain map with one lock beats
// sync.Map here: updates are read-modify-write and need the lock anyway.
type syncMap struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func (m *syncMap) load(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[userID]
	return sess, ok
}

func (m *syncMap) store(userID string, sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions == nil {
		m.sessions = make(map[string]*Session)
	}
	m.sessions[userID] = sess
}

func (m *syncMap) loadOrStore(userID string, sess *Session) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions == nil {
		m.sessions = make(map[string]*Session)
	}
	if existing, ok := m.sessions[userID]; ok {
		return existing
	}
	m.sessions[userID] = sess
	return sess
}

// update applies fn to the session for userID (creating it if missing)
// and returns a copy of the result.
func (m *syncMap) update(userID string, fn func(*Session)) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions == nil {
		m.sessions = make(map[string]*Session)
	}
	sess, ok := m.sessions[userID]
	if !ok {
		sess = &Session{UserID: userID, State: StateUnauthenticated}
		m.sessions[userID] = sess
	}
	fn(sess)
	return *sess
}

func (m *syncMap) delete(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, userID)
}

func (m *syncMap) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
