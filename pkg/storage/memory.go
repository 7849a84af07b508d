// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-totpm.
//
// go-totpm is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package storage

import (
	"sort"
	"strings"
	"sync"
)

// MemoryStore provides an in-memory Store implementation.
// This is useful for testing and ephemeral use.
// Thread-safe using a read-write mutex.
type MemoryStore struct {
	data   map[string]Record
	nextID int64
	mu     sync.RWMutex
	closed bool
}

// NewMemory creates a new in-memory secret store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		data:   make(map[string]Record),
		nextID: 1,
	}
}

func memKey(service, account string) string {
	return service + "\x00" + account
}

// Put inserts a record, rejecting duplicates of (service, account).
func (m *MemoryStore) Put(rec Record) (Record, error) {
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Record{}, ErrClosed
	}
	key := memKey(rec.Service, rec.Account)
	if _, exists := m.data[key]; exists {
		return Record{}, ErrDuplicateEntry
	}

	rec.ID = m.nextID
	m.nextID++

	// Store a copy of the blob to prevent external modification
	blob := make([]byte, len(rec.SealedSeed))
	copy(blob, rec.SealedSeed)
	stored := rec
	stored.SealedSeed = blob

	m.data[key] = stored
	return rec, nil
}

// Get retrieves the record for (service, account).
func (m *MemoryStore) Get(service, account string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Record{}, ErrClosed
	}
	rec, exists := m.data[memKey(service, account)]
	if !exists {
		return Record{}, ErrNotFound
	}

	// Return a copy to prevent modification
	blob := make([]byte, len(rec.SealedSeed))
	copy(blob, rec.SealedSeed)
	rec.SealedSeed = blob
	return rec, nil
}

// Delete removes the record for (service, account).
func (m *MemoryStore) Delete(service, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	key := memKey(service, account)
	if _, exists := m.data[key]; !exists {
		return ErrNotFound
	}
	delete(m.data, key)
	return nil
}

// List returns records ordered by service then account, filtered by
// substring match when the filters are non-empty.
func (m *MemoryStore) List(serviceFilter, accountFilter string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	var recs []Record
	for _, rec := range m.data {
		if !strings.Contains(rec.Service, serviceFilter) {
			continue
		}
		if !strings.Contains(rec.Account, accountFilter) {
			continue
		}
		blob := make([]byte, len(rec.SealedSeed))
		copy(blob, rec.SealedSeed)
		rec.SealedSeed = blob
		recs = append(recs, rec)
	}

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Service != recs[j].Service {
			return recs[i].Service < recs[j].Service
		}
		return recs[i].Account < recs[j].Account
	})
	return recs, nil
}

// Wipe removes every record. Idempotent.
func (m *MemoryStore) Wipe() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = make(map[string]Record)
	return nil
}

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// Verify interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
