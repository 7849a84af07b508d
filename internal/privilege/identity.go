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
	"syscall"

	"golang.org/x/sys/unix"
)

// Identity abstracts the process credential syscalls so the privilege
// state machine can be driven by a fake in tests. The production
// implementation mutates real process credentials; on Linux the runtime
// applies these to all threads.
type Identity interface {
	// UID returns the real user ID.
	UID() int

	// GID returns the real group ID.
	GID() int

	// EUID returns the effective user ID.
	EUID() int

	// Seteuid sets the effective user ID.
	Seteuid(euid int) error

	// Setegid sets the effective group ID.
	Setegid(egid int) error

	// Setresuid sets the real, effective and saved user IDs.
	Setresuid(ruid, euid, suid int) error
}

// OSIdentity is the production Identity over the host process credentials.
type OSIdentity struct{}

// UID returns the real user ID of the process.
func (OSIdentity) UID() int { return unix.Getuid() }

// GID returns the real group ID of the process.
func (OSIdentity) GID() int { return unix.Getgid() }

// EUID returns the effective user ID of the process.
func (OSIdentity) EUID() int { return unix.Geteuid() }

// Seteuid sets the effective user ID of the process. x/sys/unix does
// not expose seteuid on Linux; the stdlib wrapper applies it to all
// runtime threads.
func (OSIdentity) Seteuid(euid int) error { return syscall.Seteuid(euid) }

// Setegid sets the effective group ID of the process. x/sys/unix does
// not expose setegid on Linux; the stdlib wrapper applies it to all
// runtime threads.
func (OSIdentity) Setegid(egid int) error { return syscall.Setegid(egid) }

// Setresuid sets the real, effective and saved user IDs of the process.
func (OSIdentity) Setresuid(ruid, euid, suid int) error {
	return unix.Setresuid(ruid, euid, suid)
}

// Verify interface compliance at compile time
var _ Identity = OSIdentity{}
