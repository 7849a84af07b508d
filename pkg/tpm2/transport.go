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
	"strconv"
	"strings"

	"github.com/google/go-tpm-tools/simulator"
	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/tcp"
)

// DefaultDevicePath is the Linux in-kernel resource managed device.
const DefaultDevicePath = "/dev/tpmrm0"

// Default swtpm TCP endpoint. The platform (control) channel is
// expected on the command port + 1.
const (
	defaultSWTPMHost = "localhost"
	defaultSWTPMPort = 2321
)

// openTransport dials the TPM named by the connection string:
//
//	device            — DefaultDevicePath
//	device:/path      — explicit device node
//	swtpm:host=H,port=P — swtpm TCP command channel
//	simulator         — in-process software TPM, for tests and CI
//
// An unrecognized string or unreachable endpoint is ErrTPMUnavailable.
func openTransport(conn string) (transport.TPMCloser, error) {
	switch {
	case conn == "" || conn == "device":
		return openDevice(DefaultDevicePath)

	case strings.HasPrefix(conn, "device:"):
		return openDevice(strings.TrimPrefix(conn, "device:"))

	case strings.HasPrefix(conn, "swtpm:"):
		return openSWTPM(strings.TrimPrefix(conn, "swtpm:"))

	case conn == "simulator":
		return openSimulator()

	default:
		return nil, fmt.Errorf("%w: unrecognized connection string %q", ErrTPMUnavailable, conn)
	}
}

func openDevice(path string) (transport.TPMCloser, error) {
	tpm, err := transport.OpenTPM(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrTPMUnavailable, path, err)
	}
	return tpm, nil
}

// openSWTPM connects to an swtpm instance over TCP and issues
// TPM2_Startup(CLEAR). An swtpm started with --flags startup-clear has
// already started, in which case the TPM answers TPM_RC_INITIALIZE and
// the response is ignored.
func openSWTPM(args string) (transport.TPMCloser, error) {
	host, port, err := parseSWTPMArgs(args)
	if err != nil {
		return nil, err
	}

	cmdAddr := fmt.Sprintf("%s:%d", host, port)
	platAddr := fmt.Sprintf("%s:%d", host, port+1)
	tpm, err := tcp.Open(tcp.Config{
		CommandAddress:  cmdAddr,
		PlatformAddress: platAddr,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to swtpm at %s (platform: %s): %v",
			ErrTPMUnavailable, cmdAddr, platAddr, err)
	}

	if _, err := (tpm2.Startup{StartupType: tpm2.TPMSUClear}).Execute(tpm); err != nil {
		var rc tpm2.TPMRC
		if !errors.As(err, &rc) || !errors.Is(rc, tpm2.TPMRCInitialize) {
			_ = tpm.Close()
			return nil, fmt.Errorf("%w: swtpm startup: %v", ErrTPMUnavailable, err)
		}
	}

	return tpm, nil
}

func parseSWTPMArgs(args string) (string, int, error) {
	host := defaultSWTPMHost
	port := defaultSWTPMPort

	for _, kv := range strings.Split(args, ",") {
		if kv == "" {
			continue
		}
		key, value, found := strings.Cut(kv, "=")
		if !found {
			return "", 0, fmt.Errorf("%w: malformed swtpm parameter %q", ErrTPMUnavailable, kv)
		}
		switch key {
		case "host":
			host = value
		case "port":
			p, err := strconv.Atoi(value)
			if err != nil || p < 1 || p > 65534 {
				return "", 0, fmt.Errorf("%w: invalid swtpm port %q", ErrTPMUnavailable, value)
			}
			port = p
		default:
			return "", 0, fmt.Errorf("%w: unknown swtpm parameter %q", ErrTPMUnavailable, key)
		}
	}

	return host, port, nil
}

func openSimulator() (transport.TPMCloser, error) {
	sim, err := simulator.GetWithFixedSeedInsecure(1234567890)
	if err != nil {
		return nil, fmt.Errorf("%w: opening simulator: %v", ErrTPMUnavailable, err)
	}
	return &simulatorCloser{
		sim:       sim,
		transport: transport.FromReadWriter(sim),
	}, nil
}

// simulatorCloser wraps the simulator to provide proper Close() behavior
type simulatorCloser struct {
	sim       *simulator.Simulator
	transport transport.TPM
}

func (sc *simulatorCloser) Send(input []byte) ([]byte, error) {
	return sc.transport.Send(input)
}

func (sc *simulatorCloser) Close() error {
	sc.sim.Close()
	return nil
}
