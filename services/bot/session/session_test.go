// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onebit-support/askbot/services/bot/storage"
)

func TestStore_LazyCreation(t *testing.T) {
	store, err := NewStore(nil)
	require.NoError(t, err)

	sess := store.Get("user-1")
	assert.Equal(t, "user-1", sess.UserID)
	assert.Equal(t, StateUnauthenticated, sess.State)
	assert.Equal(t, 1, store.Count())

	// Second Get returns the same session, not a fresh one.
	store.Update("user-1", func(s *Session) { s.State = StateAuthenticated })
	assert.Equal(t, StateAuthenticated, store.Get("user-1").State)
	assert.Equal(t, 1, store.Count())
}

func TestStore_TransitionClearsPending(t *testing.T) {
	store, err := NewStore(nil)
	require.NoError(t, err)

	store.Update("user-1", func(s *Session) {
		s.State = StateAwaitingCredentials
		s.Pending.AuthAttempts = 2
	})

	sess := store.Transition("user-1", StateAuthenticated)
	assert.Equal(t, StateAuthenticated, sess.State)
	assert.Equal(t, Pending{}, sess.Pending)
}

func TestStore_UpdateStampsActivity(t *testing.T) {
	store, err := NewStore(nil)
	require.NoError(t, err)

	before := store.Get("user-1").LastActivityAt
	updated := store.Update("user-1", func(s *Session) {
		s.Pending.LastQuery = "open bugs"
	})
	assert.False(t, updated.LastActivityAt.Before(before))
	assert.Equal(t, "open bugs", updated.Pending.LastQuery)
}

func TestStore_PersistenceAcrossRestart(t *testing.T) {
	db, err := storage.Open(storage.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db)
	require.NoError(t, err)
	store.Update("user-1", func(s *Session) {
		s.State = StateAuthenticated
		s.Pending.ProjectHint = "PROJ"
	})

	// Simulate a restart: a new store over the same database must see
	// the persisted session.
	reloaded, err := NewStore(db)
	require.NoError(t, err)
	sess := reloaded.Get("user-1")
	assert.Equal(t, StateAuthenticated, sess.State)
	assert.Equal(t, "PROJ", sess.Pending.ProjectHint)
}

func TestStore_Delete(t *testing.T) {
	store, err := NewStore(nil)
	require.NoError(t, err)

	store.Get("user-1")
	require.NoError(t, store.Delete("user-1"))
	assert.Equal(t, 0, store.Count())

	require.NoError(t, store.Delete("user-1"))
}
