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

package vault

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/jeremyhahn/go-totpm/internal/password"
)

// unlockSecretSize is the size in bytes of the generated unlock secret.
const unlockSecretSize = 32

// fileExists reports whether path exists and is a regular file.
func fileExists(fsys afero.Fs, path string) bool {
	info, err := fsys.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// writeUnlockSecret generates a fresh unlock secret and writes it to path
// with owner-only permissions. The caller owns the returned buffer and
// must wipe it.
func writeUnlockSecret(fsys afero.Fs, path string) ([]byte, error) {
	pw, err := password.NewRandom(unlockSecretSize)
	if err != nil {
		return nil, fmt.Errorf("generating unlock secret: %w", err)
	}
	defer pw.Clear()

	secret := pw.Bytes()
	if err := afero.WriteFile(fsys, path, secret, 0o600); err != nil {
		password.Wipe(secret)
		return nil, fmt.Errorf("writing unlock secret: %w", err)
	}
	return secret, nil
}

// readHandle reads the persistent primary key handle file: a decimal
// string, tolerant of surrounding whitespace.
func readHandle(fsys afero.Fs, path string) (uint32, error) {
	b, err := afero.ReadFile(fsys, path)
	if err != nil {
		return 0, fmt.Errorf("reading primary key handle: %w", err)
	}
	h, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parsing primary key handle %s: %w", path, err)
	}
	return uint32(h), nil
}

// writeHandle records the persistent primary key handle. The handle is
// not a secret, only a name; the file stays world-readable.
func writeHandle(fsys afero.Fs, path string, handle uint32) error {
	data := []byte(strconv.FormatUint(uint64(handle), 10) + "\n")
	if err := afero.WriteFile(fsys, path, data, 0o644); err != nil {
		return fmt.Errorf("writing primary key handle: %w", err)
	}
	return nil
}

// removeIfPresent deletes path, tolerating absence so that repeated
// clears converge instead of failing on the pieces a previous run
// already removed. A file that exists but cannot be removed is an error.
func removeIfPresent(fsys afero.Fs, path string) error {
	if !fileExists(fsys, path) {
		return nil
	}
	if err := fsys.Remove(path); err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}
