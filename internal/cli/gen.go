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
	"time"

	"github.com/spf13/cobra"
)

// genCmd represents the gen command
var genCmd = &cobra.Command{
	Use:   "gen <service> [account]",
	Short: "Generate a security code",
	Long: `Generate prints the current one-time code for the given service. The
account may be omitted when the service has exactly one stored account.
Output is exactly the code followed by a newline.`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		account := ""
		if len(args) > 1 {
			account = args[1]
		}
		if err := runGen(args[0], account); err != nil {
			handleError(err)
		}
	},
}

func runGen(service, account string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	v, err := buildVault(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = v.Close() }()

	code, err := v.Generate(context.Background(), service, account, time.Now())
	if err != nil {
		return err
	}
	fmt.Println(code)
	return nil
}
