// SPDX-License-Identifier: Apache-2.0
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func govPendingHandler(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	for _, a := range coord.Store.ListActions() {
		fmt.Fprintf(out, "%s  %-12s  %s  %s\n", a.ActionID, a.ActionType, a.State, a.ProposedAt.Format(time.RFC3339))
	}
	return nil
}

func govApproveHandler(cmd *cobra.Command, args []string) error {
	a, err := coord.Actions.Approve(args[0], coord.Identity.NodeID(), time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "approved %s\n", a.ActionID)
	return nil
}

func govRejectHandler(cmd *cobra.Command, args []string) error {
	reason := ""
	if len(args) > 1 {
		reason = args[1]
	}
	a, err := coord.Actions.Reject(args[0], reason, coord.Identity.NodeID(), time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "rejected %s\n", a.ActionID)
	return nil
}

func govAuditHandler(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	for _, rec := range coord.Actions.AuditTrail() {
		fmt.Fprintf(out, "%s  %s -> %s  by=%s  %s\n", rec.ActionID, rec.From, rec.To, rec.Who, rec.Why)
	}
	return nil
}

var governanceCmd = &cobra.Command{
	Use:               "governance",
	Short:             "Pending-action governance queue",
	PersistentPreRunE: nodeInit,
}

var govPendingCmd = &cobra.Command{Use: "pending", Short: "List actions awaiting decision", Args: cobra.NoArgs, RunE: govPendingHandler}
var govApproveCmd = &cobra.Command{Use: "approve <action_id>", Short: "Approve a pending action", Args: cobra.ExactArgs(1), RunE: govApproveHandler}
var govRejectCmd = &cobra.Command{Use: "reject <action_id> [reason]", Short: "Reject a pending action", Args: cobra.RangeArgs(1, 2), RunE: govRejectHandler}
var govAuditCmd = &cobra.Command{Use: "audit", Short: "Show the action audit trail", Args: cobra.NoArgs, RunE: govAuditHandler}

func init() {
	governanceCmd.AddCommand(govPendingCmd, govApproveCmd, govRejectCmd, govAuditCmd)
}

// GovernanceCmd exports the root command.
var GovernanceCmd = governanceCmd
