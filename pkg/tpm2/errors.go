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

package tpm2

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-tpm/tpm2"
)

var (
	// ErrTPMUnavailable indicates no TPM is reachable: the connection
	// string is not recognized, the device node is absent, or the
	// software TPM refused the connection.
	ErrTPMUnavailable = errors.New("tpm2: TPM unavailable")

	// ErrCommunication indicates a transport fault on an established
	// connection. The broker reconnects and retries the command once;
	// a second fault is fatal to the operation.
	ErrCommunication = errors.New("tpm2: TPM communication error")

	// ErrBusy indicates the TPM rejected the command because another
	// session holds the resources. Retried a bounded number of times
	// with backoff before surfacing.
	ErrBusy = errors.New("tpm2: TPM busy")

	// ErrAuthorizationFailed indicates the unlock secret was rejected.
	// Deliberately carries no detail about which object failed the
	// check so an unprivileged observer cannot tell the primary key
	// apart from a sealed seed.
	ErrAuthorizationFailed = errors.New("tpm2: authorization failed")

	// ErrBrokerClosed is returned by operations on a closed broker.
	ErrBrokerClosed = errors.New("tpm2: broker closed")

	// ErrInvalidSealedSeed indicates a sealed seed blob that does not
	// decode into a TPM key pair (truncated or corrupted storage).
	ErrInvalidSealedSeed = errors.New("tpm2: invalid sealed seed blob")

	// ErrNoFreePersistentHandle indicates the owner persistent handle
	// range is exhausted.
	ErrNoFreePersistentHandle = errors.New("tpm2: no free persistent handle")
)

// classify maps raw go-tpm errors onto the broker's error taxonomy.
// Authorization failures collapse to the bare sentinel; busy and
// transport conditions keep the underlying detail for logs.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var rc tpm2.TPMRC
	if errors.As(err, &rc) {
		switch {
		case errors.Is(rc, tpm2.TPMRCAuthFail),
			errors.Is(rc, tpm2.TPMRCBadAuth),
			errors.Is(rc, tpm2.TPMRCLockout):
			return ErrAuthorizationFailed
		case errors.Is(rc, tpm2.TPMRCRetry),
			errors.Is(rc, tpm2.TPMRCYielded),
			errors.Is(rc, tpm2.TPMRCTesting):
			return fmt.Errorf("%w: %v", ErrBusy, err)
		}
		// Any other response code is a command-level failure; the
		// caller's context wrap is all the detail it needs.
		return err
	}

	// Format-1 errors that did not unwrap to a canonical code.
	var fmt1 tpm2.TPMFmt1Error
	if errors.As(err, &fmt1) {
		msg := fmt1.Error()
		if strings.Contains(msg, "AUTH_FAIL") || strings.Contains(msg, "BAD_AUTH") {
			return ErrAuthorizationFailed
		}
		return err
	}

	// Not a TPM response code at all: the transport itself failed.
	return fmt.Errorf("%w: %v", ErrCommunication, err)
}

// isHandleVacant reports whether err means the queried persistent
// handle references no object, which destroy treats as success.
func isHandleVacant(err error) bool {
	var rc tpm2.TPMRC
	if !errors.As(err, &rc) {
		return false
	}
	return errors.Is(rc, tpm2.TPMRCHandle) || errors.Is(rc, tpm2.TPMRCValue)
}
