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
	"fmt"

	"github.com/spf13/cobra"
)

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list [service] [account]",
	Short: "List stored secrets",
	Long: `List prints all stored entries matching the given partial service and
account names, one "service (account)" line each, ordered by service
then account. Seeds are never shown; they cannot leave the TPM.`,
	Args: cobra.MaximumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		service, account := "", ""
		if len(args) > 0 {
			service = args[0]
		}
		if len(args) > 1 {
			account = args[1]
		}
		if err := runList(service, account); err != nil {
			handleError(err)
		}
	},
}

func runList(service, account string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	v, err := buildVault(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = v.Close() }()

	recs, err := v.List(service, account)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		fmt.Printf("%s (%s)\n", rec.Service, rec.Account)
	}
	return nil
}
