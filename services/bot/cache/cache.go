// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache implements the read-through, TTL-bound cache gateway.
//
// # Description
//
// Entries are namespaced by user id and keyed by a query fingerprint, so a
// key is visible only to the namespace that created it. Values live in the
// shared BadgerDB with its native TTL support; an in-memory recency index
// bounds the total entry count and evicts least-recently-used entries when
// the bound is exceeded. Expired entries behave exactly like misses.
//
// Invalidate(namespace) removes every entry under one user's namespace
// without touching any other user. It backs the "cache clear" command.
//
// # Thread Safety
//
// Gateway implementations are safe for concurrent use across lanes.
package cache

import (
	"container/list"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/zeebo/blake3"
)

const keyPrefix = "cache/"

// Gateway is the read-through cache abstraction used by the query pipeline.
type Gateway interface {
	// Get returns the cached value for (namespace, fingerprint).
	// ok is false on a miss, including TTL expiry.
	Get(namespace, fingerprint string) (value []byte, ok bool)

	// Put stores value under (namespace, fingerprint) with the given TTL.
	// A zero TTL falls back to the gateway default.
	Put(namespace, fingerprint string, value []byte, ttl time.Duration) error

	// Invalidate removes every entry under namespace.
	Invalidate(namespace string) error

	// Stats returns counters for the user-facing cache status command.
	Stats() Stats
}

// Stats holds gateway counters. Hits and Misses are cumulative since
// process start; Entries is the current bounded-index size.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Entries int
}

// HitRate returns the hit percentage, or 0 when nothing was looked up.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// Fingerprint computes the deterministic cache key for a query.
//
// The text is normalized (lowercased, whitespace collapsed) before hashing
// so phrasing noise collapses to one entry; resolved parameters such as
// project keys and date ranges are appended so semantically different
// resolutions never collide.
func Fingerprint(text string, params ...string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	h := blake3.New()
	_, _ = h.Write([]byte(normalized))
	for _, p := range params {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BadgerGateway is the production Gateway backed by the shared BadgerDB.
type BadgerGateway struct {
	db         *badger.DB
	defaultTTL time.Duration
	maxEntries int

	mu     sync.Mutex
	order  *list.List               // LRU order, front = most recent
	index  map[string]*list.Element // full key → element holding the key
	hits   uint64
	misses uint64
}

// New creates a BadgerGateway. maxEntries must be positive; defaultTTL is
// used for Put calls with a zero TTL.
func New(db *badger.DB, defaultTTL time.Duration, maxEntries int) (*BadgerGateway, error) {
	if maxEntries <= 0 {
		return nil, errors.New("cache: maxEntries must be positive")
	}
	if defaultTTL <= 0 {
		return nil, errors.New("cache: defaultTTL must be positive")
	}
	return &BadgerGateway{
		db:         db,
		defaultTTL: defaultTTL,
		maxEntries: maxEntries,
		order:      list.New(),
		index:      make(map[string]*list.Element),
	}, nil
}

func fullKey(namespace, fingerprint string) string {
	return keyPrefix + namespace + "/" + fingerprint
}

// Get implements Gateway.
func (g *BadgerGateway) Get(namespace, fingerprint string) ([]byte, bool) {
	key := fullKey(namespace, fingerprint)

	var value []byte
	err := g.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})

	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		// Expired entries surface as ErrKeyNotFound; drop the stale
		// index entry so the bound reflects reality.
		if el, ok := g.index[key]; ok {
			g.order.Remove(el)
			delete(g.index, key)
		}
		g.misses++
		return nil, false
	}
	g.touchLocked(key)
	g.hits++
	return value, true
}

// Put implements Gateway. Writes are atomic single-key transactions, so a
// cancelled pipeline never leaves a torn entry behind.
func (g *BadgerGateway) Put(namespace, fingerprint string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = g.defaultTTL
	}
	// Badger tracks expiry at one-second granularity; a sub-second TTL
	// truncates to an already-passed deadline and the entry is born
	// expired. One second is the smallest honest TTL.
	if ttl < time.Second {
		ttl = time.Second
	}
	key := fullKey(namespace, fingerprint)

	err := g.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}

	g.mu.Lock()
	g.touchLocked(key)
	evicted := g.evictLocked()
	g.mu.Unlock()

	for _, victim := range evicted {
		// Eviction failure is not fatal: the TTL still bounds the entry.
		_ = g.db.Update(func(txn *badger.Txn) error {
			return txn.Delete([]byte(victim))
		})
	}
	return nil
}

// Invalidate implements Gateway.
func (g *BadgerGateway) Invalidate(namespace string) error {
	prefix := []byte(keyPrefix + namespace + "/")

	var victims [][]byte
	err := g.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			victims = append(victims, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache invalidate scan: %w", err)
	}

	wb := g.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range victims {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("cache invalidate delete: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("cache invalidate flush: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, k := range victims {
		if el, ok := g.index[string(k)]; ok {
			g.order.Remove(el)
			delete(g.index, string(k))
		}
	}
	return nil
}

// Stats implements Gateway.
func (g *BadgerGateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{Hits: g.hits, Misses: g.misses, Entries: len(g.index)}
}

// touchLocked moves key to the front of the LRU order, inserting it if new.
// Caller holds g.mu.
func (g *BadgerGateway) touchLocked(key string) {
	if el, ok := g.index[key]; ok {
		g.order.MoveToFront(el)
		return
	}
	g.index[key] = g.order.PushFront(key)
}

// evictLocked removes least-recently-used keys from the index until the
// bound holds, returning the victims for deletion outside the lock.
// Caller holds g.mu.
func (g *BadgerGateway) evictLocked() []string {
	var victims []string
	for len(g.index) > g.maxEntries {
		back := g.order.Back()
		if back == nil {
			break
		}
		key := back.Value.(string)
		g.order.Remove(back)
		delete(g.index, key)
		victims = append(victims, key)
	}
	return victims
}
