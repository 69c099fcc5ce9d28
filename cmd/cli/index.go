// SPDX-License-Identifier: Apache-2.0
package cli

import "github.com/spf13/cobra"

// RegisterRoutes attaches every command group defined in the cli package to
// the provided root command.
func RegisterRoutes(root *cobra.Command) {
	root.AddCommand(
		HiveCmd,
		GovernanceCmd,
		IntentCmd,
		TopologyCmd,
		ContributionCmd,
	)
}
