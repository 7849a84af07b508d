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

// Package privilege implements the privilege-separation state machine that
// brackets every TPM-touching command:
//
//	Unprivileged → Elevated → SecretLoaded → Dropped
//
// In a system-wide install the binary runs SUID as a dedicated service
// user, so the process is born with a distinct effective UID; Elevate
// records that fact, LoadUnlockSecret reads the unlock secret while the
// effective identity still has access and zeroes the buffer before
// returning, and Drop irreversibly returns to the invoking user's
// identity. In a local install no distinct identity exists and the same
// transitions run as no-ops.
//
// Every failure here is fail-closed: a command must terminate rather than
// continue after a failed drop, since continuing elevated is the dangerous
// failure mode.
package privilege

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/afero"

	"github.com/jeremyhahn/go-totpm/internal/password"
	"github.com/jeremyhahn/go-totpm/pkg/logging"
)

var (
	// ErrPrivilege is returned for any elevation, secret-read or drop
	// failure. Callers must treat it as fatal to the entire process.
	ErrPrivilege = errors.New("privilege: operation failed")

	// ErrInvalidTransition is returned when a transition is requested
	// from the wrong state.
	ErrInvalidTransition = errors.New("privilege: invalid state transition")
)

// State is a position in the privilege lifecycle.
type State int

const (
	// StateUnprivileged is the initial state; no privileged work has
	// been requested yet.
	StateUnprivileged State = iota

	// StateElevated marks the window in which the effective identity
	// may read the unlock secret.
	StateElevated

	// StateSecretLoaded means the unlock secret has been handed off and
	// the in-memory copy zeroed.
	StateSecretLoaded

	// StateDropped is terminal: privileges can never be re-acquired
	// within this invocation.
	StateDropped
)

// String returns the state name for logs and errors.
func (s State) String() string {
	switch s {
	case StateUnprivileged:
		return "unprivileged"
	case StateElevated:
		return "elevated"
	case StateSecretLoaded:
		return "secret-loaded"
	case StateDropped:
		return "dropped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Controller drives the privilege state machine over an Identity.
type Controller struct {
	id     Identity
	fs     afero.Fs
	logger *logging.Logger
	state  State
}

// New creates a Controller in StateUnprivileged.
func New(id Identity, fs afero.Fs, logger *logging.Logger) *Controller {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Controller{
		id:     id,
		fs:     fs,
		logger: logger,
		state:  StateUnprivileged,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State { return c.state }

// SystemMode reports whether a distinct privileged identity is active,
// i.e. the binary was installed SUID and the effective UID differs from
// the real UID.
func (c *Controller) SystemMode() bool {
	return c.id.UID() != c.id.EUID()
}

// Elevate enters the elevated window. The SUID bit has already switched
// the effective UID at exec time, so this transition records and verifies
// rather than mutates. It must be the first transition of a privileged
// command.
func (c *Controller) Elevate() error {
	if c.state != StateUnprivileged {
		return fmt.Errorf("%w: elevate from %s", ErrInvalidTransition, c.state)
	}
	if c.SystemMode() {
		c.logger.Debugf("elevated as uid %d (invoking uid %d)", c.id.EUID(), c.id.UID())
	} else {
		c.logger.Debug("no distinct privileged identity, elevation is a no-op")
	}
	c.state = StateElevated
	return nil
}

// LoadUnlockSecret reads the unlock secret from path while elevated and
// hands it to sink, which must copy what it retains. The local buffer is
// zeroed on every exit path before this method returns; no copy survives
// here. A missing secret file keeps its fs.ErrNotExist identity so the
// caller can report an uninitialized store; any other failure is
// ErrPrivilege.
func (c *Controller) LoadUnlockSecret(path string, sink func([]byte) error) error {
	if c.state != StateElevated {
		return fmt.Errorf("%w: load secret from %s", ErrInvalidTransition, c.state)
	}

	c.logger.Debug("reading unlock secret", "path", path)
	buf, err := afero.ReadFile(c.fs, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reading unlock secret: %w", err)
		}
		return fmt.Errorf("%w: reading unlock secret: %v", ErrPrivilege, err)
	}
	defer password.Wipe(buf)

	if err := sink(buf); err != nil {
		return err
	}
	c.state = StateSecretLoaded
	return nil
}

// Drop permanently relinquishes the privileged identity: the effective
// GID is reset, all three UIDs are set to the real UID, and the old
// effective UID is provably unrecoverable. Idempotent once dropped.
// Failure is ErrPrivilege and must abort the process.
func (c *Controller) Drop() error {
	if c.state == StateDropped {
		return nil
	}

	uid := c.id.UID()
	gid := c.id.GID()
	euid := c.id.EUID()

	c.logger.Debug("permanently dropping privileges")
	if err := c.id.Setegid(gid); err != nil {
		return fmt.Errorf("%w: setegid(%d): %v", ErrPrivilege, gid, err)
	}
	if err := c.id.Setresuid(uid, uid, uid); err != nil {
		return fmt.Errorf("%w: setresuid(%d): %v", ErrPrivilege, uid, err)
	}

	// Regaining the old effective UID must now be impossible. The
	// expected outcome of this call is failure.
	_ = c.id.Seteuid(euid)
	if c.id.EUID() != uid {
		return fmt.Errorf("%w: effective uid %d regained after drop", ErrPrivilege, c.id.EUID())
	}

	c.state = StateDropped
	return nil
}

// WithRealUID temporarily assumes the real UID as the effective UID for
// the duration of f, restoring the previous effective UID afterwards.
// Used for touching user-owned files before the permanent drop. After
// Drop, or without a distinct identity, f simply runs.
func (c *Controller) WithRealUID(f func() error) error {
	uid := c.id.UID()
	euid := c.id.EUID()
	if uid == euid {
		return f()
	}

	c.logger.Debugf("setting euid to %d (was %d)", uid, euid)
	if err := c.id.Seteuid(uid); err != nil {
		return fmt.Errorf("%w: seteuid(%d): %v", ErrPrivilege, uid, err)
	}
	err := f()

	c.logger.Debugf("restoring euid to %d (was %d)", euid, uid)
	if rerr := c.id.Seteuid(euid); rerr != nil {
		// Failing to re-elevate leaves us at the real UID, which is
		// the safe direction. Record it and stay dropped.
		c.logger.Warn("could not restore effective uid, continuing unprivileged", "euid", euid)
		c.state = StateDropped
	}
	return err
}
