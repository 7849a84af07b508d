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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-totpm/internal/config"
	"github.com/jeremyhahn/go-totpm/pkg/presence"
)

// localSystemRelPath is where a user-local install keeps its "system"
// data, relative to the user's home directory.
const localSystemRelPath = ".local/state/totpm"

type initOptions struct {
	tpm            string
	systemDataPath string
	userDataPath   string
	pvMethod       string
	pvTimeout      uint
	local          bool
}

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the secret store",
	Long: `Initialize generates the unlock secret, provisions a primary key inside
the TPM and records its persistent handle. The configuration file is
written if none exists yet.

A system-wide initialization requires root. With --local everything is
created as the invoking user; this is UNSAFE against local attackers
with access to your account, since nothing stops them from generating
one-time codes.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		var opts initOptions
		opts.tpm, _ = cmd.Flags().GetString("tpm")
		opts.systemDataPath, _ = cmd.Flags().GetString("system-data-path")
		opts.userDataPath, _ = cmd.Flags().GetString("user-data-path")
		opts.pvMethod, _ = cmd.Flags().GetString("pv")
		opts.pvTimeout, _ = cmd.Flags().GetUint("pv-timeout")
		opts.local, _ = cmd.Flags().GetBool("local")

		if err := runInit(opts); err != nil {
			handleError(err)
		}
	},
}

func init() {
	initCmd.Flags().StringP("tpm", "t", "",
		"TPM connection: device | device:<path> | swtpm:host=<h>,port=<p> | simulator (default "+config.DefaultTPM+")")
	initCmd.Flags().StringP("system-data-path", "s", "",
		"directory for system-wide data (default "+config.DefaultSystemDataPath+")")
	initCmd.Flags().StringP("user-data-path", "p", "",
		"directory for per-user data; relative paths resolve against each user's home (default "+config.DefaultUserDataPath+")")
	initCmd.Flags().String("pv", "",
		"presence verification method: none | fprintd (default none)")
	initCmd.Flags().Uint("pv-timeout", 0,
		fmt.Sprintf("presence verification timeout in seconds (default %d)", config.DefaultPVTimeout))
	initCmd.Flags().BoolP("local", "l", false,
		"user-local installation: no root required, files owned by the current user")
}

func runInit(opts initOptions) error {
	logger := newLogger()
	fsys := afero.NewOsFs()
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}

	if !opts.local && os.Geteuid() != 0 {
		return errRootRequired
	}
	if opts.local {
		logger.Warn("local installation is UNSAFE: a local attacker with access to " +
			"your account could generate an unlimited number of one-time codes")
	}

	cfgPath := config.Resolve(fsys, flagConfig, home, opts.local)
	cfg, err := config.Load(fsys, cfgPath)
	cfgExists := err == nil
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		cfg = config.Default()
		if opts.local {
			cfg.SystemDataPath = filepath.Join(home, localSystemRelPath)
		}
	}
	if opts.tpm != "" {
		cfg.TPM = opts.tpm
	}
	if opts.systemDataPath != "" {
		cfg.SystemDataPath = opts.systemDataPath
	}
	if opts.userDataPath != "" {
		cfg.UserDataPath = opts.userDataPath
	}
	if opts.pvMethod != "" {
		cfg.PVMethod = opts.pvMethod
	}
	if opts.pvTimeout != 0 {
		cfg.PVTimeout = opts.pvTimeout
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Enrollment precedes any useful fingerprint policy: presence starts
	// gating commands after init, never init itself.
	v, err := buildVaultWith(cfg, presence.Const(true), logger)
	if err != nil {
		return err
	}
	defer func() { _ = v.Close() }()

	if err := v.Init(context.Background()); err != nil {
		return err
	}
	if !cfgExists {
		if err := config.Write(fsys, cfgPath, cfg); err != nil {
			return err
		}
		logger.Infof("wrote configuration to %s", cfgPath)
	}
	logger.Info("secret store initialized")
	return nil
}
