// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package mappings stores taught associations used as translation context.
//
// # Description
//
// Users teach the bot two kinds of associations with the "teach" command:
//
//   - client name → Jira project key ("Acme Retail" → "ACME")
//   - display name → Jira username ("Jane Doe" → "jdoe")
//
// The store feeds the language-model translator as extra context so a
// question like "open bugs for Acme Retail" resolves to the right project
// filter. Lookup is a static substring match over taught names; it fills
// the pluggable lookup(text) → context[] role for the query pipeline and
// can be swapped for a semantic retriever without touching the pipeline.
//
// Mappings are shared across users (the team teaches the bot once) and
// persisted in the shared BadgerDB.
package mappings

import (
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

const (
	clientPrefix = "mapping/client/"
	userPrefix   = "mapping/user/"
)

// Lookup is the pluggable context-retrieval contract consumed by the
// query pipeline.
type Lookup interface {
	// Context returns translation-context lines relevant to text.
	Context(text string) []string
}

// Store persists taught mappings in BadgerDB.
type Store struct {
	db *badger.DB
}

// NewStore wraps the shared database.
func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

// SaveClientProject records that client name maps to a project key.
func (s *Store) SaveClientProject(client, projectKey string) error {
	return s.put(clientPrefix+normalize(client), projectKey)
}

// SaveUserName records that a display name maps to a Jira username.
func (s *Store) SaveUserName(displayName, username string) error {
	return s.put(userPrefix+normalize(displayName), username)
}

// ClientProjects returns every taught client→project mapping.
func (s *Store) ClientProjects() (map[string]string, error) {
	return s.scan(clientPrefix)
}

// UserNames returns every taught display-name→username mapping.
func (s *Store) UserNames() (map[string]string, error) {
	return s.scan(userPrefix)
}

// Context implements Lookup. It returns one line per taught mapping whose
// name occurs in text, plus nothing when the store is empty or unreadable:
// context retrieval must never fail a pipeline run.
func (s *Store) Context(text string) []string {
	lower := strings.ToLower(text)
	var lines []string

	clients, err := s.ClientProjects()
	if err == nil {
		for name, project := range clients {
			if strings.Contains(lower, name) {
				lines = append(lines, fmt.Sprintf("client %q uses project key %s", name, project))
			}
		}
	}
	users, err := s.UserNames()
	if err == nil {
		for name, username := range users {
			if strings.Contains(lower, name) {
				lines = append(lines, fmt.Sprintf("person %q has Jira username %s", name, username))
			}
		}
	}
	return lines
}

func (s *Store) put(key, value string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("mappings: save %s: %w", key, err)
	}
	return nil
}

func (s *Store) scan(prefix string) (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			name := strings.TrimPrefix(string(item.Key()), prefix)
			err := item.Value(func(val []byte) error {
				out[name] = string(val)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mappings: scan %s: %w", prefix, err)
	}
	return out, nil
}

func normalize(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
