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
	"github.com/spf13/cobra"
)

// delCmd represents the del command
var delCmd = &cobra.Command{
	Use:   "del <service> <account>",
	Short: "Delete an existing TOTP secret",
	Long: `Delete removes the stored secret for the given service and account. The
sealed blob is gone for good; the TPM retains nothing about it.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDel(args[0], args[1]); err != nil {
			handleError(err)
		}
	},
}

func runDel(service, account string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	v, err := buildVault(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = v.Close() }()

	return v.Delete(service, account)
}
