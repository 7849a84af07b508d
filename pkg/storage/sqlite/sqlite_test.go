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

package sqlite

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-totpm/pkg/storage"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "secrets.sqlite")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func record(service, account string) storage.Record {
	return storage.Record{
		Service:    service,
		Account:    account,
		Digits:     6,
		Period:     30,
		SealedSeed: []byte("sealed-" + service + "-" + account),
	}
}

func TestOpenCreatesDataDirectory(t *testing.T) {
	s, path := openTestStore(t)
	defer s.Close()

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestPutGetRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)

	stored, err := s.Put(record("github", "alice"))
	require.NoError(t, err)
	assert.NotZero(t, stored.ID)

	got, err := s.Get("github", "alice")
	require.NoError(t, err)
	assert.Equal(t, stored.ID, got.ID)
	assert.Equal(t, "github", got.Service)
	assert.Equal(t, "alice", got.Account)
	assert.Equal(t, uint32(6), got.Digits)
	assert.Equal(t, uint32(30), got.Period)
	assert.Equal(t, []byte("sealed-github-alice"), got.SealedSeed)

	_, err = s.Get("github", "nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPutDuplicate(t *testing.T) {
	s, _ := openTestStore(t)

	first := record("github", "alice")
	_, err := s.Put(first)
	require.NoError(t, err)

	dup := record("github", "alice")
	dup.SealedSeed = []byte("other")
	_, err = s.Put(dup)
	assert.ErrorIs(t, err, storage.ErrDuplicateEntry)

	// Existing record is unchanged
	got, err := s.Get("github", "alice")
	require.NoError(t, err)
	assert.Equal(t, first.SealedSeed, got.SealedSeed)
}

func TestDelete(t *testing.T) {
	s, _ := openTestStore(t)

	_, err := s.Put(record("github", "alice"))
	require.NoError(t, err)

	require.NoError(t, s.Delete("github", "alice"))
	assert.ErrorIs(t, s.Delete("github", "alice"), storage.ErrNotFound)
}

func TestListOrderingAndFilters(t *testing.T) {
	s, _ := openTestStore(t)

	for _, rec := range []storage.Record{
		record("gitlab", "carol"),
		record("aws", "bob"),
		record("aws", "alice"),
		record("github", "alice"),
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
	assert.Len(t, recs, 2)

	recs, err = s.List("aws", "ali")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "alice", recs[0].Account)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.sqlite")

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Put(record("github", "alice"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get("github", "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed-github-alice"), got.SealedSeed)
}

func TestWipeRemovesDatabaseFile(t *testing.T) {
	s, path := openTestStore(t)

	_, err := s.Put(record("github", "alice"))
	require.NoError(t, err)

	require.NoError(t, s.Wipe())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Idempotent, including after the file is gone
	require.NoError(t, s.Wipe())
}

func TestClosedStore(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Put(record("github", "alice"))
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, err = s.Get("github", "alice")
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, err = s.List("", "")
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.ErrorIs(t, s.Delete("github", "alice"), storage.ErrClosed)
}

func TestValidateRejectsBadRecords(t *testing.T) {
	s, _ := openTestStore(t)

	_, err := s.Put(storage.Record{Service: "s", Account: "", Digits: 6, Period: 30, SealedSeed: []byte("x")})
	assert.ErrorIs(t, err, storage.ErrInvalidRecord)

	_, err = s.Put(storage.Record{Service: "s", Account: "a", Digits: 6, Period: 30})
	assert.ErrorIs(t, err, storage.ErrInvalidRecord)
}
