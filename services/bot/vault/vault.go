// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package vault is the credential encryption/decryption boundary.
//
// # Description
//
// Per-user Jira credentials are encrypted at rest with AES-256-GCM. The
// cipher key is derived from the process-wide secret (SHA-256) and held
// in an mlocked memguard enclave so it never sits in swappable memory;
// it is opened transiently for each operation and wiped immediately.
//
// Ciphertext blobs live in the shared BadgerDB under the "vault/" prefix.
// A credential survives process restarts but not a secret rotation: after
// rotation every Retrieve fails with boterr.ErrCredentialUnavailable,
// which forces the session back to Unauthenticated. That is the intended
// recovery path, not an operational fault.
//
// # Thread Safety
//
// Vault is safe for concurrent use. Badger writes are atomic per key.
//
// # Security
//
// The vault never logs or echoes plaintext. Decrypt failures are reported
// without cipher detail.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/dgraph-io/badger/v4"

	"github.com/onebit-support/askbot/services/bot/boterr"
)

const keyPrefix = "vault/"

// Credential is a user's upstream login pair. The secret may be a
// password or an API token; the vault does not distinguish.
type Credential struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
}

// Vault encrypts and decrypts per-user credentials.
type Vault struct {
	db  *badger.DB
	key *memguard.Enclave
}

// New derives the cipher key from secretKey and seals it into an enclave.
//
// The raw key material is wiped from ordinary memory once sealed.
func New(db *badger.DB, secretKey string) (*Vault, error) {
	if secretKey == "" {
		return nil, errors.New("vault: secret key must not be empty")
	}
	digest := sha256.Sum256([]byte(secretKey))
	// NewEnclave wipes the source slice after sealing.
	enclave := memguard.NewEnclave(digest[:])
	return &Vault{db: db, key: enclave}, nil
}

// Store encrypts cred and persists the ciphertext blob for userID,
// overwriting any previous credential.
func (v *Vault) Store(userID string, cred Credential) error {
	plaintext, err := json.Marshal(cred)
	if err != nil {
		return boterr.Wrap(boterr.KindVault, "encode credential", err)
	}

	blob, err := v.seal(plaintext)
	if err != nil {
		return boterr.Wrap(boterr.KindVault, "encrypt credential", err)
	}

	err = v.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+userID), blob)
	})
	if err != nil {
		return boterr.Wrap(boterr.KindVault, "persist credential", err)
	}
	return nil
}

// Retrieve decrypts and returns the credential for userID.
//
// Missing entries and decrypt failures (secret rotation, corrupted blob)
// both surface as boterr.ErrCredentialUnavailable so the caller can treat
// them uniformly: prompt the user to authenticate again.
func (v *Vault) Retrieve(userID string) (Credential, error) {
	var blob []byte
	err := v.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + userID))
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Credential{}, boterr.ErrCredentialUnavailable
	}
	if err != nil {
		return Credential{}, boterr.Wrap(boterr.KindVault, "read credential", err)
	}

	plaintext, err := v.open(blob)
	if err != nil {
		// Do not wrap the cipher error: its detail must not propagate.
		return Credential{}, boterr.ErrCredentialUnavailable
	}

	var cred Credential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return Credential{}, boterr.ErrCredentialUnavailable
	}
	return cred, nil
}

// Delete removes the stored credential for userID. Deleting a missing
// credential is not an error.
func (v *Vault) Delete(userID string) error {
	err := v.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + userID))
	})
	if err != nil {
		return boterr.Wrap(boterr.KindVault, "delete credential", err)
	}
	return nil
}

// seal encrypts plaintext as nonce||ciphertext under the enclave key.
func (v *Vault) seal(plaintext []byte) ([]byte, error) {
	gcm, buf, err := v.openCipher()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts a nonce||ciphertext blob.
func (v *Vault) open(blob []byte) ([]byte, error) {
	gcm, buf, err := v.openCipher()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()

	if len(blob) < gcm.NonceSize() {
		return nil, errors.New("blob too short")
	}
	nonce, ciphertext := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// openCipher opens the enclave and builds the AEAD. The caller must
// Destroy the returned buffer as soon as the operation completes.
func (v *Vault) openCipher() (cipher.AEAD, *memguard.LockedBuffer, error) {
	buf, err := v.key.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("open key enclave: %w", err)
	}
	block, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		buf.Destroy()
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		buf.Destroy()
		return nil, nil, err
	}
	return gcm, buf, nil
}
