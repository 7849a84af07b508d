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

// Package password provides secure handling of the unlock secret and other
// sensitive byte strings held transiently in memory.
//
// Every secret that passes through host memory is wrapped in a Password so
// that it can be zeroed on all exit paths. The unlock secret protecting the
// TPM primary key must never outlive the operation that read it.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
)

var (
	// ErrEmptyPassword is returned when an empty password is provided.
	ErrEmptyPassword = errors.New("password cannot be empty")

	// ErrPasswordZeroed is returned when the password has been zeroed.
	ErrPasswordZeroed = errors.New("password has been zeroed")
)

// Password is a sensitive byte string that can be zeroed from memory.
type Password interface {
	// Bytes returns a copy of the password bytes, or nil after Clear.
	Bytes() []byte

	// Clear zeros the password from memory. Irreversible.
	Clear()
}

// ClearPassword stores a password in memory as cleartext.
//
// While stored in cleartext, the password data is protected in memory
// and can be securely zeroed when no longer needed.
type ClearPassword struct {
	password []byte
}

// New creates a new cleartext password stored in memory.
//
// The provided byte slice is copied to prevent external modification.
// Returns an error if the password is empty.
func New(password []byte) (Password, error) {
	if len(password) == 0 {
		return nil, ErrEmptyPassword
	}
	p := make([]byte, len(password))
	copy(p, password)
	return &ClearPassword{password: p}, nil
}

// NewRandom creates a password from n cryptographically random bytes.
// Used to mint the unlock secret at initialization time.
func NewRandom(n int) (Password, error) {
	p := make([]byte, n)
	if _, err := rand.Read(p); err != nil {
		return nil, err
	}
	return &ClearPassword{password: p}, nil
}

// Bytes returns the password as a byte slice.
//
// The returned slice is a copy to prevent external modification
// of the internal password data. The caller is responsible for
// wiping the copy.
func (p *ClearPassword) Bytes() []byte {
	if p.password == nil {
		return nil
	}
	result := make([]byte, len(p.password))
	copy(result, p.password)
	return result
}

// Clear securely clears the password from memory.
//
// After calling Clear, the password cannot be retrieved and any
// subsequent call to Bytes() returns nil. This operation is
// irreversible.
func (p *ClearPassword) Clear() {
	if p.password != nil {
		for i := range p.password {
			p.password[i] = 0
		}
		// Use subtle.ConstantTimeCopy to ensure compiler doesn't optimize away
		subtle.ConstantTimeCopy(1, p.password, make([]byte, len(p.password)))
		p.password = nil
	}
}

// Wipe zeros a raw byte slice in place. For buffers that never get
// wrapped in a Password, such as scratch copies handed to syscalls.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
}

// Equal compares two passwords in constant time to prevent timing attacks.
//
// Returns true if the passwords are equal, false otherwise.
func Equal(a, b Password) (bool, error) {
	aBytes := a.Bytes()
	if aBytes == nil {
		return false, ErrPasswordZeroed
	}
	defer Wipe(aBytes)

	bBytes := b.Bytes()
	if bBytes == nil {
		return false, ErrPasswordZeroed
	}
	defer Wipe(bBytes)

	return subtle.ConstantTimeCompare(aBytes, bBytes) == 1, nil
}

// Verify interface compliance at compile time
var _ Password = (*ClearPassword)(nil)
