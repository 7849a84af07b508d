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

// Package fprintd verifies user presence through the fprintd fingerprint
// service on the D-Bus system bus. The request carries no secret
// material, only the intent to verify; fprintd attributes the check to
// the calling user, so the caller must run this with the invoking user's
// effective UID.
package fprintd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/jeremyhahn/go-totpm/pkg/logging"
)

const (
	busName      = "net.reactivated.Fprint"
	managerPath  = "/net/reactivated/Fprint/Manager"
	managerIface = "net.reactivated.Fprint.Manager"
	deviceIface  = "net.reactivated.Fprint.Device"

	verifyStatusSignal = deviceIface + ".VerifyStatus"
)

// DefaultTimeout bounds the whole verification exchange when the
// configuration does not set pv_timeout.
const DefaultTimeout = 10 * time.Second

// outcome classifies one VerifyStatus value.
type outcome int

const (
	outcomeWait outcome = iota
	outcomeMatch
	outcomeNoMatch
	outcomeFailure
)

// classifyStatus maps fprintd's VerifyStatus strings onto gate outcomes.
// The retry family means the scan is still in progress (bad swipe, finger
// off-center); an explicit no-match is a rejection, not a retry.
func classifyStatus(status string) (outcome, error) {
	switch status {
	case "verify-match":
		return outcomeMatch, nil
	case "verify-no-match":
		return outcomeNoMatch, nil
	case "verify-retry-scan",
		"verify-swipe-too-short",
		"verify-finger-not-centered",
		"verify-remove-and-retry":
		return outcomeWait, nil
	case "verify-disconnected":
		return outcomeFailure, errors.New("fprintd: fingerprint reader disconnected")
	case "verify-unknown-error":
		return outcomeFailure, errors.New("fprintd: fingerprint scan failed with unknown error")
	default:
		return outcomeFailure, fmt.Errorf("fprintd: unknown verify status %q", status)
	}
}

// Verifier talks to fprintd over a private system-bus connection per
// verification, so the bus peer credentials reflect the current
// effective UID.
type Verifier struct {
	timeout time.Duration
	logger  *logging.Logger
}

// New creates a fprintd Verifier with the given overall timeout.
func New(timeout time.Duration, logger *logging.Logger) *Verifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Verifier{timeout: timeout, logger: logger}
}

// OwnerPresent claims the default fingerprint device, starts a
// verification and waits for a conclusive VerifyStatus signal. Rejection
// and timeout both return (false, nil); infrastructure faults return an
// error.
func (v *Verifier) OwnerPresent(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	conn, err := dbus.SystemBusPrivate()
	if err != nil {
		return false, fmt.Errorf("fprintd: connecting to system bus: %w", err)
	}
	defer conn.Close()
	if err := conn.Auth(nil); err != nil {
		return false, fmt.Errorf("fprintd: bus auth: %w", err)
	}
	if err := conn.Hello(); err != nil {
		return false, fmt.Errorf("fprintd: bus hello: %w", err)
	}

	mgr := conn.Object(busName, dbus.ObjectPath(managerPath))
	var devicePath dbus.ObjectPath
	if err := mgr.CallWithContext(ctx, managerIface+".GetDefaultDevice", 0).Store(&devicePath); err != nil {
		return false, fmt.Errorf("fprintd: no fingerprint device: %w", err)
	}
	v.logger.Debug("claimed fingerprint device", "path", string(devicePath))

	// Subscribe before VerifyStart so no status can slip past.
	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(devicePath),
		dbus.WithMatchInterface(deviceIface),
		dbus.WithMatchMember("VerifyStatus"),
	); err != nil {
		return false, fmt.Errorf("fprintd: listening for signals: %w", err)
	}
	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)

	dev := conn.Object(busName, devicePath)
	if err := dev.CallWithContext(ctx, deviceIface+".Claim", 0, "").Err; err != nil {
		return false, fmt.Errorf("fprintd: claiming device: %w", err)
	}
	defer dev.Call(deviceIface+".Release", 0)

	if err := dev.CallWithContext(ctx, deviceIface+".VerifyStart", 0, "any").Err; err != nil {
		return false, fmt.Errorf("fprintd: starting verification: %w", err)
	}
	defer dev.Call(deviceIface+".VerifyStop", 0)

	fmt.Fprintln(os.Stderr, "place your finger on the fingerprint reader")

	for {
		select {
		case sig, open := <-signals:
			if !open {
				return false, errors.New("fprintd: bus connection lost")
			}
			if sig.Name != verifyStatusSignal || sig.Path != devicePath {
				continue
			}
			status, ok := verifyStatusBody(sig.Body)
			if !ok {
				continue
			}
			v.logger.Debug("fprintd status", "status", status)

			switch out, ferr := classifyStatus(status); out {
			case outcomeMatch:
				return true, nil
			case outcomeNoMatch:
				return false, nil
			case outcomeWait:
				fmt.Fprintln(os.Stderr, "scan not readable, try again")
			default:
				return false, ferr
			}
		case <-ctx.Done():
			// Timeout is a denial, not an error.
			return false, nil
		}
	}
}

// verifyStatusBody extracts the status string from a VerifyStatus signal
// body of the form (status string, done bool).
func verifyStatusBody(body []interface{}) (string, bool) {
	if len(body) < 1 {
		return "", false
	}
	status, ok := body[0].(string)
	return status, ok
}
