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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pquerna/otp"
	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-totpm/pkg/totp"
	"github.com/jeremyhahn/go-totpm/pkg/vault"
)

// errImportFormat is returned when an import file fails to parse.
var errImportFormat = errors.New("cli: not a json file or invalid schema")

// importCmd represents the import command
var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import TOTP secrets in bulk",
	Long: `Import reads secrets from a file and seals each one into the TPM under
a single presence check.

Two formats are accepted: a JSON object mapping service names to
{"account", "secret", "digits", "interval"} entries, or a list of
otpauth://totp/ URIs, one per line. The whole file is validated before
anything is stored; entries that already exist are skipped.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runImport(args[0]); err != nil {
			handleError(err)
		}
	},
}

func runImport(path string) error {
	// The file is parsed and validated in full before any presence check
	// or TPM work, so a malformed file stores nothing.
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	entries, err := parseImportFile(data)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()
	verifier, err := buildVerifier(cfg, logger)
	if err != nil {
		return err
	}
	v, err := buildVaultWith(cfg, verifier, logger)
	if err != nil {
		return err
	}
	defer func() { _ = v.Close() }()

	added, err := v.Import(context.Background(), entries)
	if err != nil {
		return err
	}
	logger.Infof("imported %d of %d entries", added, len(entries))
	return nil
}

// parseImportFile decodes an import file into a batch of entries. A file
// whose first token is an otpauth:// URI is treated as one URI per line;
// anything else must be the JSON object format.
func parseImportFile(data []byte) ([]vault.Entry, error) {
	if strings.HasPrefix(strings.TrimSpace(string(data)), "otpauth://") {
		return parseImportURIs(data)
	}
	return parseImportJSON(data)
}

// importedSecret is one value of the JSON import object. Digits and
// interval are optional and default per record at parse time.
type importedSecret struct {
	Account  string  `json:"account"`
	Secret   string  `json:"secret"`
	Digits   *uint32 `json:"digits"`
	Interval *uint32 `json:"interval"`
}

func parseImportJSON(data []byte) ([]vault.Entry, error) {
	// Duplicate service keys collapse map-style: the last one wins.
	var imports map[string]importedSecret
	if err := json.Unmarshal(data, &imports); err != nil {
		return nil, fmt.Errorf("%w: %v", errImportFormat, err)
	}

	services := make([]string, 0, len(imports))
	for service := range imports {
		services = append(services, service)
	}
	sort.Strings(services)

	entries := make([]vault.Entry, 0, len(imports))
	for _, service := range services {
		info := imports[service]
		if info.Account == "" || info.Secret == "" {
			return nil, fmt.Errorf("%w: %q is missing an account or secret", errImportFormat, service)
		}
		seed, err := totp.DecodeSeed(info.Secret)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", service, info.Account, err)
		}
		entry := vault.Entry{
			Service: service,
			Account: info.Account,
			Digits:  totp.DefaultDigits,
			Period:  totp.DefaultPeriod,
			Seed:    seed,
		}
		if info.Digits != nil {
			entry.Digits = *info.Digits
		}
		if info.Interval != nil {
			entry.Period = *info.Interval
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func parseImportURIs(data []byte) ([]vault.Entry, error) {
	type pair struct{ service, account string }
	seen := make(map[pair]bool)

	var entries []vault.Entry
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, err := otp.NewKeyFromURL(line)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", errImportFormat, i+1, err)
		}
		if key.Type() != "totp" {
			return nil, fmt.Errorf("%w: line %d: unsupported OTP type %q", errImportFormat, i+1, key.Type())
		}
		service := key.Issuer()
		if service == "" {
			return nil, fmt.Errorf("%w: line %d: URI has no issuer", errImportFormat, i+1)
		}
		account := key.AccountName()
		if seen[pair{service, account}] {
			return nil, fmt.Errorf("%w: line %d: duplicate entry for %s/%s", errImportFormat, i+1, service, account)
		}
		seen[pair{service, account}] = true

		seed, err := totp.DecodeSeed(key.Secret())
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", service, account, err)
		}
		entries = append(entries, vault.Entry{
			Service: service,
			Account: account,
			Digits:  uint32(key.Digits()),
			Period:  uint32(key.Period()),
			Seed:    seed,
		})
	}
	return entries, nil
}
