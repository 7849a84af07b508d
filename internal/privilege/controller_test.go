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

package privilege

import (
	"io/fs"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-totpm/pkg/logging"
)

const authPath = "/var/lib/totpm/auth_value"

func newTestController(t *testing.T, id Identity, secret []byte) *Controller {
	t.Helper()
	memfs := afero.NewMemMapFs()
	if secret != nil {
		require.NoError(t, memfs.MkdirAll("/var/lib/totpm", 0700))
		require.NoError(t, afero.WriteFile(memfs, authPath, secret, 0600))
	}
	return New(id, memfs, logging.NewLogger(false))
}

func TestFullLifecycle(t *testing.T) {
	id := NewFakeSUID(1000, 1000, 901)
	secret := []byte{1, 2, 3, 4}
	c := newTestController(t, id, secret)

	assert.Equal(t, StateUnprivileged, c.State())
	assert.True(t, c.SystemMode())

	require.NoError(t, c.Elevate())
	assert.Equal(t, StateElevated, c.State())

	var received []byte
	err := c.LoadUnlockSecret(authPath, func(b []byte) error {
		received = append([]byte(nil), b...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, received)
	assert.Equal(t, StateSecretLoaded, c.State())

	require.NoError(t, c.Drop())
	assert.Equal(t, StateDropped, c.State())
	assert.Equal(t, 1000, id.EUID())
	assert.Equal(t, 1000, id.SavedUID)
}

func TestLoadUnlockSecretZeroesBuffer(t *testing.T) {
	id := NewFakeSUID(1000, 1000, 901)
	c := newTestController(t, id, []byte{9, 9, 9, 9})
	require.NoError(t, c.Elevate())

	var captured []byte
	err := c.LoadUnlockSecret(authPath, func(b []byte) error {
		captured = b // keep the original backing array
		return nil
	})
	require.NoError(t, err)

	for i, v := range captured {
		assert.Zerof(t, v, "buffer byte %d not zeroed after handoff", i)
	}
}

func TestLoadUnlockSecretSinkError(t *testing.T) {
	id := NewFakeSUID(1000, 1000, 901)
	c := newTestController(t, id, []byte{1})
	require.NoError(t, c.Elevate())

	sinkErr := assert.AnError
	err := c.LoadUnlockSecret(authPath, func([]byte) error { return sinkErr })
	assert.ErrorIs(t, err, sinkErr)
	assert.Equal(t, StateElevated, c.State(), "failed handoff must not advance the state")
}

func TestLoadUnlockSecretMissingFile(t *testing.T) {
	id := NewFakeSUID(1000, 1000, 901)
	c := newTestController(t, id, nil)
	require.NoError(t, c.Elevate())

	err := c.LoadUnlockSecret(authPath, func([]byte) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestTransitionOrderEnforced(t *testing.T) {
	id := NewFakeSUID(1000, 1000, 901)
	c := newTestController(t, id, []byte{1})

	err := c.LoadUnlockSecret(authPath, func([]byte) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, c.Elevate())
	assert.ErrorIs(t, c.Elevate(), ErrInvalidTransition)
}

func TestDropIsIdempotent(t *testing.T) {
	id := NewFakeSUID(1000, 1000, 901)
	c := newTestController(t, id, nil)

	require.NoError(t, c.Drop())
	require.NoError(t, c.Drop())
	assert.Equal(t, StateDropped, c.State())
}

func TestDropFailsWhenSetresuidFails(t *testing.T) {
	id := NewFakeSUID(1000, 1000, 901)
	id.FailSetresuid = true
	c := newTestController(t, id, nil)

	err := c.Drop()
	assert.ErrorIs(t, err, ErrPrivilege)
	assert.NotEqual(t, StateDropped, c.State())
}

func TestDropFailsWhenOldEUIDRegainable(t *testing.T) {
	id := NewFakeSUID(1000, 1000, 901)
	id.AllowRegain = true
	c := newTestController(t, id, nil)

	err := c.Drop()
	assert.ErrorIs(t, err, ErrPrivilege)
}

func TestDropWithoutDistinctIdentity(t *testing.T) {
	// Local mode: euid == uid, everything is a pass-through.
	id := NewFakeSUID(1000, 1000, 1000)
	c := newTestController(t, id, nil)

	assert.False(t, c.SystemMode())
	require.NoError(t, c.Drop())
	assert.Equal(t, 1000, id.EUID())
}

func TestWithRealUID(t *testing.T) {
	id := NewFakeSUID(1000, 1000, 901)
	c := newTestController(t, id, nil)

	var seen int
	err := c.WithRealUID(func() error {
		seen = id.EUID()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1000, seen, "f must run with the real uid effective")
	assert.Equal(t, 901, id.EUID(), "previous effective uid must be restored")
}

func TestWithRealUIDAfterDrop(t *testing.T) {
	id := NewFakeSUID(1000, 1000, 901)
	c := newTestController(t, id, nil)
	require.NoError(t, c.Drop())

	ran := false
	require.NoError(t, c.WithRealUID(func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

func TestWithRealUIDPropagatesError(t *testing.T) {
	id := NewFakeSUID(1000, 1000, 901)
	c := newTestController(t, id, nil)

	err := c.WithRealUID(func() error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 901, id.EUID())
}
