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

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-totpm/pkg/totp"
)

// addCmd represents the add command
var addCmd = &cobra.Command{
	Use:   "add <service> <account>",
	Short: "Add a new TOTP secret",
	Long: `Add seals a TOTP secret into the TPM and stores the sealed blob under
the given service and account. The secret is read from a no-echo
terminal prompt, or from stdin with --secret-on-stdin; it is never
accepted on the command line.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		digits, _ := cmd.Flags().GetUint32("digits")
		interval, _ := cmd.Flags().GetUint32("interval")
		onStdin, _ := cmd.Flags().GetBool("secret-on-stdin")

		if err := runAdd(args[0], args[1], digits, interval, onStdin); err != nil {
			handleError(err)
		}
	},
}

func init() {
	addCmd.Flags().Uint32("digits", 6, "number of security code digits")
	addCmd.Flags().Uint32P("interval", "i", 30, "seconds between new security codes")
	addCmd.Flags().Bool("secret-on-stdin", false, "read the secret from stdin instead of prompting")
}

func runAdd(service, account string, digits, interval uint32, onStdin bool) error {
	// The secret is collected before anything else so a mistyped entry
	// costs no presence check and no TPM work.
	encoded, err := readSecret(service, account, onStdin)
	if err != nil {
		return err
	}
	seed, err := totp.DecodeSeed(encoded)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	v, err := buildVault(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = v.Close() }()

	_, err = v.Add(context.Background(), service, account, digits, interval, seed)
	return err
}
