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

package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/jeremyhahn/go-totpm/internal/password"
)

// readSecret obtains the base32-encoded seed without echoing it: from a
// no-echo terminal prompt, or from stdin when forced or when stdin is not
// a terminal (pipes, scripts).
func readSecret(service, account string, forceStdin bool) (string, error) {
	fd := int(os.Stdin.Fd())
	if forceStdin || !term.IsTerminal(fd) {
		return readSecretLine(os.Stdin)
	}

	fmt.Printf("Enter secret value for %s@%s: ", account, service)
	raw, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	defer password.Wipe(raw)
	return strings.TrimSpace(string(raw)), nil
}

// readSecretLine reads one line from r, tolerating a missing trailing
// newline on the final line.
func readSecretLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading secret from stdin: %w", err)
	}
	return strings.TrimSpace(line), nil
}
