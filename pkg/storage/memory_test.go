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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(service, account string) Record {
	return Record{
		Service:    service,
		Account:    account,
		Digits:     6,
		Period:     30,
		SealedSeed: []byte("sealed-" + service + "-" + account),
	}
}

func TestMemoryPutGet(t *testing.T) {
	s := NewMemory()
	defer s.Close()

	stored, err := s.Put(testRecord("github", "alice"))
	require.NoError(t, err)
	assert.NotZero(t, stored.ID)

	got, err := s.Get("github", "alice")
	require.NoError(t, err)
	assert.Equal(t, "github", got.Service)
	assert.Equal(t, "alice", got.Account)
	assert.Equal(t, []byte("sealed-github-alice"), got.SealedSeed)

	_, err = s.Get("github", "bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryDuplicateLeavesExistingUnchanged(t *testing.T) {
	s := NewMemory()
	defer s.Close()

	first := testRecord("github", "alice")
	_, err := s.Put(first)
	require.NoError(t, err)

	second := testRecord("github", "alice")
	second.SealedSeed = []byte("other-blob")
	_, err = s.Put(second)
	assert.ErrorIs(t, err, ErrDuplicateEntry)

	got, err := s.Get("github", "alice")
	require.NoError(t, err)
	assert.Equal(t, first.SealedSeed, got.SealedSeed)
}

func TestMemoryDelete(t *testing.T) {
	s := NewMemory()
	defer s.Close()

	_, err := s.Put(testRecord("github", "alice"))
	require.NoError(t, err)

	require.NoError(t, s.Delete("github", "alice"))
	_, err = s.Get("github", "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.Delete("github", "alice"), ErrNotFound)
}

func TestMemoryListOrderingAndFilters(t *testing.T) {
	s := NewMemory()
	defer s.Close()

	for _, rec := range []Record{
		testRecord("gitlab", "carol"),
		testRecord("aws", "bob"),
		testRecord("aws", "alice"),
		testRecord("github", "alice"),
	} {
		_, err := s.Put(rec)
		require.NoError(t, err)
	}

	recs, err := s.List("", "")
	require.NoError(t, err)
	require.Len(t, recs, 4)

	var pairs [][2]string
	for _, r := range recs {
		pairs = append(pairs, [2]string{r.Service, r.Account})
	}
	assert.Equal(t, [][2]string{
		{"aws", "alice"},
		{"aws", "bob"},
		{"github", "alice"},
		{"gitlab", "carol"},
	}, pairs)

	recs, err = s.List("git", "")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "github", recs[0].Service)
	assert.Equal(t, "gitlab", recs[1].Service)

	recs, err = s.List("", "ali")
	require.NoError(t, err)
	require.Len(t, recs, 2)

	recs, err = s.List("nomatch", "")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMemoryWipe(t *testing.T) {
	s := NewMemory()
	defer s.Close()

	_, err := s.Put(testRecord("github", "alice"))
	require.NoError(t, err)

	require.NoError(t, s.Wipe())
	recs, err := s.List("", "")
	require.NoError(t, err)
	assert.Empty(t, recs)

	// Idempotent
	require.NoError(t, s.Wipe())
}

func TestMemoryValidate(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
	}{
		{"empty service", Record{Account: "a", Digits: 6, Period: 30, SealedSeed: []byte("x")}},
		{"empty account", Record{Service: "s", Digits: 6, Period: 30, SealedSeed: []byte("x")}},
		{"empty blob", Record{Service: "s", Account: "a", Digits: 6, Period: 30}},
		{"zero digits", Record{Service: "s", Account: "a", Period: 30, SealedSeed: []byte("x")}},
		{"zero period", Record{Service: "s", Account: "a", Digits: 6, SealedSeed: []byte("x")}},
	}

	s := NewMemory()
	defer s.Close()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Put(tt.rec)
			assert.ErrorIs(t, err, ErrInvalidRecord)
		})
	}
}

func TestMemoryClosed(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Close())

	_, err := s.Put(testRecord("github", "alice"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Get("github", "alice")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.List("", "")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Delete("github", "alice"), ErrClosed)
}
