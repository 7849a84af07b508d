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

// Package cli implements the totpm command tree. Each command is one
// process invocation: load config, assemble the vault, run exactly one
// operation, exit. Errors are mapped to user-facing messages in a single
// place; authorization failures deliberately collapse into one uniform
// message.
package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-totpm/internal/config"
	"github.com/jeremyhahn/go-totpm/internal/privilege"
	"github.com/jeremyhahn/go-totpm/pkg/logging"
	"github.com/jeremyhahn/go-totpm/pkg/presence"
	"github.com/jeremyhahn/go-totpm/pkg/storage"
	"github.com/jeremyhahn/go-totpm/pkg/storage/sqlite"
	"github.com/jeremyhahn/go-totpm/pkg/tpm2"
	"github.com/jeremyhahn/go-totpm/pkg/vault"
)

var (
	flagConfig string
	flagDebug  bool
)

// errRootRequired is returned when a system-wide init runs without root.
var errRootRequired = errors.New("cli: root required")

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "totpm",
	Short: "TPM-backed TOTP second factor",
	Long: `totpm manages TOTP (RFC 6238) secrets sealed inside a TPM 2.0.

Seeds are encrypted by a TPM-resident primary key at enrollment and can
never be read back; every one-time code is computed inside the TPM.
Commands that use the TPM can additionally require fingerprint presence
verification through fprintd.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "",
		"path to configuration file (default "+config.DefaultSystemPath+")")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false,
		"print debugging information")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(delCmd)
	rootCmd.AddCommand(genCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(versionCmd)
}

func newLogger() *logging.Logger {
	return logging.NewLogger(flagDebug)
}

// loadConfig resolves and loads the configuration for this invocation.
func loadConfig() (config.Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return config.Config{}, fmt.Errorf("resolving home directory: %w", err)
	}
	fsys := afero.NewOsFs()
	return config.Load(fsys, config.Resolve(fsys, flagConfig, home, false))
}

// buildVerifier constructs the presence verifier cfg selects.
func buildVerifier(cfg config.Config, logger *logging.Logger) (presence.Verifier, error) {
	method, err := presence.ParseMethod(cfg.PVMethod)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	return presence.NewVerifier(method, time.Duration(cfg.PVTimeout)*time.Second, logger)
}

// buildVault assembles the production vault for one command invocation.
func buildVault(cfg config.Config) (*vault.Vault, error) {
	logger := newLogger()
	verifier, err := buildVerifier(cfg, logger)
	if err != nil {
		return nil, err
	}
	return buildVaultWith(cfg, verifier, logger)
}

// buildVaultWith assembles the vault with an explicit presence verifier.
func buildVaultWith(cfg config.Config, verifier presence.Verifier, logger *logging.Logger) (*vault.Vault, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolving home directory: %w", err)
	}
	fsys := afero.NewOsFs()
	dbPath := cfg.SecretsDBPath(home)

	return vault.New(vault.Options{
		AuthValuePath: cfg.AuthValuePath(),
		HandlePath:    cfg.PrimaryKeyHandlePath(),
		SystemDir:     cfg.SystemDataPath,
		Fs:            fsys,
		Presence:      verifier,
		Privilege:     privilege.New(privilege.OSIdentity{}, fsys, logger),
		TPM:           tpm2.New(cfg.TPM, logger),
		OpenStore:     func() (storage.Store, error) { return sqlite.Open(dbPath) },
		Logger:        logger,
	}), nil
}

// userMessage translates err into the message shown to the user. TPM
// authorization failures intentionally collapse into a single uniform
// message, whatever their cause.
func userMessage(err error) string {
	switch {
	case errors.Is(err, presence.ErrDenied):
		return "presence verification failed"
	case errors.Is(err, vault.ErrNotInitialized):
		return `totpm is not initialized; run "totpm init" first`
	case errors.Is(err, vault.ErrAlreadyInitialized):
		return `totpm is already initialized; run "totpm clear --system" first to start over`
	case errors.Is(err, storage.ErrNotFound):
		return "service/account combination not found"
	case errors.Is(err, storage.ErrDuplicateEntry):
		return "an entry for this service and account already exists"
	case errors.Is(err, tpm2.ErrAuthorizationFailed):
		return "cannot access secure storage"
	case errors.Is(err, tpm2.ErrTPMUnavailable):
		return "cannot open the TPM: " + err.Error()
	case errors.Is(err, privilege.ErrPrivilege):
		return "privilege separation failed: " + err.Error()
	case errors.Is(err, errRootRequired):
		return "system-wide initialization requires root; use --local for a user-local install"
	default:
		return err.Error()
	}
}

// handleError prints the mapped error and exits with code 1
func handleError(err error) {
	fmt.Fprintln(os.Stderr, "error: "+userMessage(err))
	os.Exit(1)
}
