// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session holds per-user conversation state.
//
// # Description
//
// One Session exists per user, created lazily on the first inbound
// message. State transitions are the only mutation path, performed through
// Update so every change lands under the store lock and is mirrored to
// the optional BadgerDB snapshot for restart continuity.
//
// Pending context is a fixed struct, not an open-ended map, so the state
// machine's invariants stay checkable: the only things a flow may carry
// across messages are the auth attempt counter, the prior query, and a
// project hint.
//
// # Thread Safety
//
// The store is internally synchronized. By construction each user's lane
// is the only writer for that user's session, but cross-user reads (the
// status HTTP surface) may happen concurrently.
package session

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "session/"

// State is the conversation state for one user.
type State int

const (
	StateUnauthenticated State = iota
	StateAwaitingCredentials
	StateAuthenticated
)

// String returns the state name used in logs and the status reply.
func (s State) String() string {
	switch s {
	case StateAwaitingCredentials:
		return "awaiting_credentials"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

// Pending is the free-form context a flow may capture mid-conversation.
type Pending struct {
	// AuthAttempts counts failed credential submissions while in
	// StateAwaitingCredentials. Reset on every state transition.
	AuthAttempts int `json:"auth_attempts,omitempty"`

	// LastQuery is the previous free-text question, passed to the
	// translator for follow-up disambiguation.
	LastQuery string `json:"last_query,omitempty"`

	// ProjectHint is the most recent project key seen in a validated
	// query, passed to the translator as context.
	ProjectHint string `json:"project_hint,omitempty"`
}

// Session is the per-user conversation record.
type Session struct {
	UserID         string    `json:"user_id"`
	State          State     `json:"state"`
	Pending        Pending   `json:"pending"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Store keeps sessions in memory, optionally snapshotting to BadgerDB.
type Store struct {
	db *badger.DB // nil disables persistence

	sessions syncMap
}

// NewStore creates a session store. db may be nil for a purely
// process-scoped store; when non-nil, existing snapshots are loaded so
// sessions survive a restart.
func NewStore(db *badger.DB) (*Store, error) {
	s := &Store{db: db}
	if db == nil {
		return s, nil
	}

	prefix := []byte(keyPrefix)
	err := db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var sess Session
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sess)
			})
			if err != nil {
				// A corrupt snapshot is not worth failing startup over;
				// the user simply starts unauthenticated.
				continue
			}
			s.sessions.store(sess.UserID, &sess)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns a copy of the session for userID, creating an
// unauthenticated one if none exists.
func (s *Store) Get(userID string) Session {
	if sess, ok := s.sessions.load(userID); ok {
		return *sess
	}
	created := &Session{
		UserID:         userID,
		State:          StateUnauthenticated,
		LastActivityAt: time.Now(),
	}
	actual := s.sessions.loadOrStore(userID, created)
	return *actual
}

// Update applies fn to the session for userID under the store lock and
// persists the result. fn receives the live session and may mutate state
// and pending context; LastActivityAt is stamped automatically.
func (s *Store) Update(userID string, fn func(*Session)) Session {
	updated := s.sessions.update(userID, func(sess *Session) {
		fn(sess)
		sess.LastActivityAt = time.Now()
	})

	if s.db != nil {
		snapshot, err := json.Marshal(updated)
		if err == nil {
			_ = s.db.Update(func(txn *badger.Txn) error {
				return txn.Set([]byte(keyPrefix+userID), snapshot)
			})
		}
	}
	return updated
}

// Transition moves the session to next and clears pending context.
func (s *Store) Transition(userID string, next State) Session {
	return s.Update(userID, func(sess *Session) {
		sess.State = next
		sess.Pending = Pending{}
	})
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	return s.sessions.count()
}

// Delete removes the session and its snapshot. Used by tests and the
// logout path; deleting a missing session is not an error.
func (s *Store) Delete(userID string) error {
	s.sessions.delete(userID)
	if s.db == nil {
		return nil
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + userID))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return nil
}
