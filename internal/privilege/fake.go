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
	"errors"
	"fmt"
)

// ErrFakeDenied is returned by FakeIdentity when a credential change is
// configured to fail.
var ErrFakeDenied = errors.New("privilege: fake identity denied")

// FakeIdentity models the kernel's UID rules in memory so the state
// machine can be unit tested: seteuid succeeds only when the target is
// the real or saved UID (or when AllowRegain simulates a broken drop).
type FakeIdentity struct {
	RealUID  int
	RealGID  int
	Eff      int
	EffGID   int
	SavedUID int

	// FailSeteuid and FailSetresuid force the corresponding syscall to
	// fail, for drop-failure injection.
	FailSeteuid   bool
	FailSetresuid bool

	// AllowRegain lets Seteuid succeed for any target, simulating a
	// platform where the drop silently did not stick.
	AllowRegain bool

	// Calls records each mutation for assertions.
	Calls []string
}

// NewFakeSUID returns a FakeIdentity shaped like a SUID process: real
// UID/GID of the invoking user, effective and saved UID of the service
// user.
func NewFakeSUID(realUID, realGID, serviceUID int) *FakeIdentity {
	return &FakeIdentity{
		RealUID:  realUID,
		RealGID:  realGID,
		Eff:      serviceUID,
		EffGID:   realGID,
		SavedUID: serviceUID,
	}
}

// UID returns the fake real user ID.
func (f *FakeIdentity) UID() int { return f.RealUID }

// GID returns the fake real group ID.
func (f *FakeIdentity) GID() int { return f.RealGID }

// EUID returns the fake effective user ID.
func (f *FakeIdentity) EUID() int { return f.Eff }

// Seteuid applies the kernel rule: the target must be the real or saved
// UID unless AllowRegain is set.
func (f *FakeIdentity) Seteuid(euid int) error {
	f.Calls = append(f.Calls, fmt.Sprintf("seteuid(%d)", euid))
	if f.FailSeteuid {
		return ErrFakeDenied
	}
	if euid == f.RealUID || euid == f.SavedUID || f.AllowRegain {
		f.Eff = euid
		return nil
	}
	return ErrFakeDenied
}

// Setegid records and applies the effective GID change.
func (f *FakeIdentity) Setegid(egid int) error {
	f.Calls = append(f.Calls, fmt.Sprintf("setegid(%d)", egid))
	f.EffGID = egid
	return nil
}

// Setresuid sets all three UIDs at once.
func (f *FakeIdentity) Setresuid(ruid, euid, suid int) error {
	f.Calls = append(f.Calls, fmt.Sprintf("setresuid(%d,%d,%d)", ruid, euid, suid))
	if f.FailSetresuid {
		return ErrFakeDenied
	}
	f.RealUID = ruid
	f.Eff = euid
	f.SavedUID = suid
	return nil
}

// Verify interface compliance at compile time
var _ Identity = (*FakeIdentity)(nil)
