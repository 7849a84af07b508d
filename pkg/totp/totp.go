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

// Package totp implements the time-based one-time password arithmetic
// (RFC 6238 over RFC 4226).
//
// The package is pure and stateless: the moving factor is derived from an
// injected time value, and the HMAC step is split out so the digest can be
// produced either by the TPM (the production path, where the seed never
// leaves the hardware) or by a host-side HMAC-SHA1 (the reference path used
// in tests).
package totp

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultDigits is the code length used when a record does not
	// specify one.
	DefaultDigits uint32 = 6

	// DefaultPeriod is the time-step in seconds used when a record does
	// not specify one.
	DefaultPeriod uint32 = 30

	// MaxDigits is the longest code dynamic truncation can produce from
	// a 31-bit sample.
	MaxDigits uint32 = 9
)

var (
	// ErrInvalidDigits is returned when the requested code length is
	// zero or exceeds MaxDigits.
	ErrInvalidDigits = errors.New("totp: digits must be between 1 and 9")

	// ErrInvalidPeriod is returned when the time-step is zero.
	ErrInvalidPeriod = errors.New("totp: period must be positive")

	// ErrShortDigest is returned when a digest is too short for dynamic
	// truncation.
	ErrShortDigest = errors.New("totp: digest too short for dynamic truncation")
)

// Counter returns the moving factor for time t: floor(unix(t) / period).
func Counter(t time.Time, period uint32) uint64 {
	return uint64(t.Unix()) / uint64(period)
}

// CounterBytes returns the moving factor as the 8-byte big-endian message
// the HMAC is computed over. This is the exact buffer handed to the TPM.
func CounterBytes(t time.Time, period uint32) []byte {
	msg := make([]byte, 8)
	binary.BigEndian.PutUint64(msg, Counter(t, period))
	return msg
}

// Code applies RFC 4226 dynamic truncation to an HMAC digest and formats
// the result as a zero-padded decimal string of the given length.
func Code(digest []byte, digits uint32) (string, error) {
	if digits < 1 || digits > MaxDigits {
		return "", ErrInvalidDigits
	}
	if len(digest) < 4 {
		return "", ErrShortDigest
	}
	offset := digest[len(digest)-1] & 0xf
	if int(offset)+4 > len(digest) {
		return "", ErrShortDigest
	}
	sample := binary.BigEndian.Uint32(digest[offset:offset+4]) & 0x7fffffff

	mod := uint32(1)
	for i := uint32(0); i < digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, sample%mod), nil
}

// FromSeed computes the code for a raw seed at time t using a host-side
// HMAC-SHA1. Production code generation never calls this (the seed lives
// in the TPM); it exists as the deterministic reference for tests and for
// verifying a seal/load cycle.
func FromSeed(seed []byte, t time.Time, digits, period uint32) (string, error) {
	if period == 0 {
		return "", ErrInvalidPeriod
	}
	mac := hmac.New(sha1.New, seed)
	mac.Write(CounterBytes(t, period))
	return Code(mac.Sum(nil), digits)
}

// DecodeSeed decodes a base32 seed as entered by the user or exported by
// an authenticator app: unpadded RFC 4648, case-insensitive, surrounding
// whitespace ignored.
func DecodeSeed(s string) ([]byte, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if i := strings.IndexByte(s, '='); i >= 0 {
		s = s[:i]
	}
	seed, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("totp: invalid base32 seed: %w", err)
	}
	return seed, nil
}
