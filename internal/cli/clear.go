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
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// clearCmd represents the clear command
var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all stored TOTP secrets, rendering them unusable",
	Long: `Clear wipes the invoking user's secret database. With --system it also
destroys the TPM primary key and removes the unlock secret, rendering
every secret on this machine permanently unusable; that requires root.

There is no undo. The confirmation flag is mandatory.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		confirmed, _ := cmd.Flags().GetBool("yes-i-know-what-i-am-doing")
		system, _ := cmd.Flags().GetBool("system")

		if !confirmed {
			fmt.Fprintln(os.Stderr, "verification flag not specified; aborting")
			return
		}
		if err := runClear(system); err != nil {
			handleError(err)
		}
	},
}

func init() {
	clearCmd.Flags().Bool("yes-i-know-what-i-am-doing", false, "confirm the irreversible wipe")
	clearCmd.Flags().BoolP("system", "s", false,
		"also destroy system-level data, rendering all secrets on this machine unusable (requires root)")
}

func runClear(system bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	v, err := buildVault(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = v.Close() }()

	return v.Clear(context.Background(), system)
}
