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

// Package storage defines the secret store contract: a durable mapping from
// (service, account) to an opaque sealed seed blob. No cryptographic meaning
// is assigned to the blob by this layer.
package storage

import "errors"

var (
	// ErrClosed is returned when attempting to use a closed store.
	ErrClosed = errors.New("storage: closed")

	// ErrNotFound is returned when no record matches (service, account).
	ErrNotFound = errors.New("storage: not found")

	// ErrDuplicateEntry is returned when a record for (service, account)
	// already exists.
	ErrDuplicateEntry = errors.New("storage: duplicate entry")

	// ErrInvalidRecord is returned when a record is missing its identity
	// or its sealed seed.
	ErrInvalidRecord = errors.New("storage: invalid record")
)

// Record is one stored credential: the identifying pair, the per-record
// code parameters, and the sealed seed blob produced by the TPM broker.
type Record struct {
	ID         int64
	Service    string
	Account    string
	Digits     uint32
	Period     uint32
	SealedSeed []byte
}

// Validate checks the invariants the store enforces on insert.
func (r Record) Validate() error {
	if r.Service == "" || r.Account == "" {
		return ErrInvalidRecord
	}
	if len(r.SealedSeed) == 0 {
		return ErrInvalidRecord
	}
	if r.Digits == 0 || r.Period == 0 {
		return ErrInvalidRecord
	}
	return nil
}

// Store is the secret store. All implementations must be safe for
// concurrent readers; writers serialize internally so List never observes
// a partially written record.
type Store interface {
	// Put inserts a record. Returns ErrDuplicateEntry if a record with
	// the same (service, account) exists; the existing record is left
	// unchanged. The returned record carries the assigned ID.
	Put(rec Record) (Record, error)

	// Get returns the record for (service, account), or ErrNotFound.
	Get(service, account string) (Record, error)

	// Delete removes the record for (service, account).
	// Returns ErrNotFound if absent.
	Delete(service, account string) error

	// List returns records ordered by service then account. Non-empty
	// filters restrict the result to records whose service or account
	// contains the given substring.
	List(serviceFilter, accountFilter string) ([]Record, error)

	// Wipe removes every record and the backing file, if any.
	// Idempotent: wiping an empty or missing store is not an error.
	Wipe() error

	// Close releases any resources held by the store.
	Close() error
}
