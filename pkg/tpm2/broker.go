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

// Package tpm2 is the TPM session broker: it owns the single logical
// connection to the TPM 2.0 device and exposes the seed lifecycle as
// atomic operations — provision the persistent primary key, seal a TOTP
// seed under it, and generate HMAC digests from a sealed seed without
// the seed ever existing in host memory.
//
// Key features:
//   - One AES-256-CFB symmetric primary key, persisted in the owner
//     hierarchy, authorized by the unlock secret
//   - TOTP seeds sealed as KeyedHash (HMAC-SHA-1) children of the
//     primary; generation asks the TPM to compute the HMAC so the seed
//     never crosses the TPM boundary
//   - The broker is the only component that retains the unlock secret,
//     held in a zeroing wrapper and wiped on Close
//   - Busy TPMs are retried with bounded backoff; transport faults
//     reconnect and retry once
//
// Architecture:
//   - Transient child handles are flushed immediately after each
//     operation to prevent TPM resource exhaustion
//   - Authorization failures surface as a single uniform error no
//     matter which object rejected the secret
package tpm2

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"

	"github.com/jeremyhahn/go-totpm/internal/password"
	"github.com/jeremyhahn/go-totpm/pkg/logging"
)

const (
	// busyRetries bounds how often a TPM_RC_RETRY class response is
	// retried before surfacing ErrBusy.
	busyRetries = 5

	// busyBackoff is the initial retry delay; it doubles per attempt.
	busyBackoff = 50 * time.Millisecond
)

// Broker owns the process's TPM connection. All operations serialize on
// an internal mutex; the connection is dialed lazily on first use so
// commands that never reach the TPM perform no TPM I/O.
type Broker struct {
	conn   string
	logger *logging.Logger

	mu        sync.Mutex
	tpm       transport.TPMCloser
	auth      password.Password
	primaries map[uint32]tpm2.TPM2BName
	closed    bool
}

// New returns a broker for the given connection string. No I/O happens
// until the first TPM operation.
func New(conn string, logger *logging.Logger) *Broker {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Broker{
		conn:      conn,
		logger:    logger,
		primaries: make(map[uint32]tpm2.TPM2BName),
	}
}

// SetAuth installs the unlock secret used to authorize the primary key.
// The broker keeps its own zeroing copy; the caller may wipe its buffer
// as soon as SetAuth returns. A nil or empty secret clears the stored
// authorization.
func (b *Broker) SetAuth(secret []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}

	if b.auth != nil {
		b.auth.Clear()
		b.auth = nil
	}
	if len(secret) == 0 {
		return nil
	}

	p, err := password.New(secret)
	if err != nil {
		return fmt.Errorf("tpm2: storing unlock secret: %w", err)
	}
	b.auth = p
	return nil
}

// Close zeroes the stored unlock secret and releases the TPM
// connection. Close is idempotent.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.auth != nil {
		b.auth.Clear()
		b.auth = nil
	}

	if b.tpm != nil {
		if err := b.tpm.Close(); err != nil {
			b.tpm = nil
			return fmt.Errorf("tpm2: closing TPM: %w", err)
		}
		b.tpm = nil
	}
	return nil
}

// authBytes returns a copy of the stored unlock secret, or nil when no
// secret is installed. Callers wipe the copy after the command executes.
func (b *Broker) authBytes() []byte {
	if b.auth == nil {
		return nil
	}
	buf := b.auth.Bytes()
	return buf
}

// open returns the live transport, dialing on first use.
func (b *Broker) open() (transport.TPM, error) {
	if b.tpm != nil {
		return b.tpm, nil
	}
	b.logger.Debugf("tpm2: connecting to %q", b.conn)
	tpm, err := openTransport(b.conn)
	if err != nil {
		return nil, err
	}
	b.tpm = tpm
	return tpm, nil
}

// reset tears down the connection so the next open redials.
func (b *Broker) reset() {
	if b.tpm != nil {
		_ = b.tpm.Close()
		b.tpm = nil
	}
}

// exec runs fn against the open transport with the broker's retry
// policy: busy responses retry up to busyRetries times with doubling
// backoff, and a transport fault reconnects and reruns fn exactly once.
// The returned error is already classified.
//
// Callers hold b.mu. fn must be safe to rerun from the top.
func (b *Broker) exec(op string, fn func(tpm transport.TPM) error) error {
	if b.closed {
		return ErrBrokerClosed
	}

	var (
		busy        int
		backoff     = busyBackoff
		reconnected bool
	)
	for {
		tpm, err := b.open()
		if err != nil {
			return err
		}

		err = fn(tpm)
		if err == nil {
			return nil
		}

		classified := classify(err)
		switch {
		case errors.Is(classified, ErrBusy) && busy < busyRetries:
			busy++
			b.logger.Debugf("tpm2: %s: TPM busy, retry %d/%d in %s", op, busy, busyRetries, backoff)
			time.Sleep(backoff)
			backoff *= 2
			continue

		case errors.Is(classified, ErrCommunication) && !reconnected:
			reconnected = true
			b.logger.Debugf("tpm2: %s: transport fault, reconnecting: %v", op, err)
			b.reset()
			continue
		}
		return classified
	}
}
