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

// Package presence implements the presence gate: a check that a human is
// physically operating the device, interposed once per command before any
// privileged TPM operation.
//
// The strategy set is deliberately closed: no verification, or one
// external biometric service (fprintd). Explicit rejection and timeout are
// indistinguishable to callers; both fail closed with ErrDenied and no
// retry.
package presence

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDenied is returned when presence verification is rejected or
	// times out. Callers must not retry: a denied command performs no
	// TPM side effect.
	ErrDenied = errors.New("presence: verification denied")

	// ErrUnknownMethod is returned for an unrecognized pv_method value.
	ErrUnknownMethod = errors.New("presence: unknown verification method")
)

// Method selects a verification strategy. Fixed by configuration for the
// process lifetime.
type Method string

const (
	// MethodNone performs no verification and always succeeds.
	MethodNone Method = "none"

	// MethodFprintd verifies a fingerprint through the fprintd service.
	MethodFprintd Method = "fprintd"
)

// ParseMethod validates a pv_method configuration value.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodNone:
		return MethodNone, nil
	case MethodFprintd:
		return MethodFprintd, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
	}
}

// Verifier is a single presence-verification capability. OwnerPresent
// blocks, bounded by ctx, until the check concludes: (true, nil) on
// success, (false, nil) on rejection or timeout, and an error only for
// infrastructure faults (which also fail closed).
type Verifier interface {
	OwnerPresent(ctx context.Context) (bool, error)
}

// Verify runs one verification and folds every non-success outcome into
// ErrDenied. The result is valid only for the operation that requested
// it; nothing is cached.
func Verify(ctx context.Context, v Verifier) error {
	ok, err := v.OwnerPresent(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDenied, err)
	}
	if !ok {
		return ErrDenied
	}
	return nil
}

// Const is a Verifier with a fixed outcome. Const(true) is the "none"
// strategy; Const(false) exists for tests.
type Const bool

// OwnerPresent returns the fixed outcome.
func (c Const) OwnerPresent(context.Context) (bool, error) {
	return bool(c), nil
}

// Verify interface compliance at compile time
var _ Verifier = Const(false)
