// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vault

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onebit-support/askbot/services/bot/boterr"
	"github.com/onebit-support/askbot/services/bot/storage"
)

func testVault(t *testing.T, secret string) *Vault {
	t.Helper()
	db, err := storage.Open(storage.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	v, err := New(db, secret)
	require.NoError(t, err)
	return v
}

func TestVault_RoundTrip(t *testing.T) {
	v := testVault(t, "test-secret-key-0123456789")

	cred := Credential{Username: "alice@example.com", Secret: "api-token-xyz"}
	require.NoError(t, v.Store("user-1", cred))

	got, err := v.Retrieve("user-1")
	require.NoError(t, err)
	assert.Equal(t, cred, got)
}

func TestVault_RetrieveMissing(t *testing.T) {
	v := testVault(t, "test-secret-key-0123456789")

	_, err := v.Retrieve("nobody")
	require.Error(t, err)
	assert.True(t, errors.Is(err, boterr.ErrCredentialUnavailable) ||
		boterr.IsKind(err, boterr.KindVault))
}

func TestVault_Overwrite(t *testing.T) {
	v := testVault(t, "test-secret-key-0123456789")

	require.NoError(t, v.Store("user-1", Credential{Username: "alice", Secret: "old"}))
	require.NoError(t, v.Store("user-1", Credential{Username: "alice", Secret: "new"}))

	got, err := v.Retrieve("user-1")
	require.NoError(t, err)
	assert.Equal(t, "new", got.Secret)
}

func TestVault_SecretRotationForcesReauth(t *testing.T) {
	db, err := storage.Open(storage.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	v1, err := New(db, "first-secret-key-0123456789")
	require.NoError(t, err)
	require.NoError(t, v1.Store("user-1", Credential{Username: "alice", Secret: "tok"}))

	// Same store, rotated process secret: the blob must become unreadable
	// and surface as the typed credential-unavailable condition.
	v2, err := New(db, "second-secret-key-0123456789")
	require.NoError(t, err)

	_, err = v2.Retrieve("user-1")
	assert.ErrorIs(t, err, boterr.ErrCredentialUnavailable)
	assert.Equal(t, boterr.KindVault, boterr.KindOf(err))
}

func TestVault_Delete(t *testing.T) {
	v := testVault(t, "test-secret-key-0123456789")

	require.NoError(t, v.Store("user-1", Credential{Username: "alice", Secret: "tok"}))
	require.NoError(t, v.Delete("user-1"))

	_, err := v.Retrieve("user-1")
	assert.ErrorIs(t, err, boterr.ErrCredentialUnavailable)

	// Deleting again is a no-op.
	require.NoError(t, v.Delete("user-1"))
}

func TestVault_EmptySecretRejected(t *testing.T) {
	db, err := storage.Open(storage.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = New(db, "")
	require.Error(t, err)
}
