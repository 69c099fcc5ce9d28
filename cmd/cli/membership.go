// SPDX-License-Identifier: Apache-2.0
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lnhive/coordinator/hive"
)

func hiveStatusHandler(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "status: %s\n", coord.Ledger.Status())
	if h := coord.Ledger.Hive(); h != nil {
		fmt.Fprintf(out, "hive_id: %s  founded: %s  max_members: %d\n", h.HiveID, h.GenesisAt.Format(time.RFC3339), h.MaxMembers)
	}
	s := coord.Ledger.MemberSummary()
	fmt.Fprintf(out, "members: %d (admins=%d members=%d neophytes=%d)\n", s.Total, s.Admins, s.Members, s.Neophytes)
	return nil
}

func hiveGenesisHandler(cmd *cobra.Command, _ []string) error {
	h, err := coord.Ledger.Genesis(coord.Identity.NodeID(), time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "genesis complete hive_id=%s founder=%s\n", h.HiveID, h.RootAdminNode)
	return nil
}

func hiveInviteHandler(cmd *cobra.Command, args []string) error {
	validity := 24 * time.Hour
	t, err := coord.Ledger.IssueInvitation(coord.Identity, coord.Identity.NodeID(), validity, 0, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ticket_id=%s expires=%s\n", t.TicketID, t.ExpiresAt.Format(time.RFC3339))
	return nil
}

func hiveJoinHandler(cmd *cobra.Command, args []string) error {
	candidate := hive.NodeID(args[0])
	ticketID := args[1]
	ticket, ok := coord.Store.GetInvitation(ticketID)
	if !ok {
		return fmt.Errorf("unknown ticket %s", ticketID)
	}
	m, err := coord.Ledger.Join(candidate, ticket, time.Now(), coord.Config.ProbationWindow)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "joined %s as %s\n", m.NodeID, m.Tier)
	return nil
}

func hiveVouchHandler(cmd *cobra.Command, args []string) error {
	candidate := hive.NodeID(args[0])
	voter := hive.NodeID(args[1])
	q, err := coord.Ledger.Vouch(candidate, voter)
	if err != nil {
		return err
	}
	if q.HasQuorum() {
		m, err := coord.Ledger.CommitPromotion(candidate, q.Voters())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "promoted %s to %s\n", m.NodeID, m.Tier)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "vouches %d/%d\n", len(q.Voters()), q.Threshold())
	return nil
}

func hiveRequestPromotionHandler(cmd *cobra.Command, args []string) error {
	candidate := hive.NodeID(args[0])
	if err := coord.Ledger.ProofOfUtility(candidate, time.Now(), args[1:]); err != nil {
		return err
	}
	q := coord.Ledger.RequestPromotion(candidate)
	fmt.Fprintf(cmd.OutOrStdout(), "promotion round open, threshold=%d\n", q.Threshold())
	return nil
}

func hiveBanHandler(cmd *cobra.Command, args []string) error {
	target := hive.NodeID(args[0])
	reason := args[1]
	q, err := coord.Ledger.ProposeBan(target, coord.Identity.NodeID())
	if err != nil {
		return err
	}
	if !q.HasQuorum() {
		fmt.Fprintf(cmd.OutOrStdout(), "ban votes %d/%d\n", len(q.Voters()), q.Threshold())
		return nil
	}
	rec, err := coord.Ledger.CommitBan(target, reason, q.Voters(), time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "banned %s reason=%s\n", rec.TargetNodeID, rec.ReasonCode)
	return nil
}

var hiveCmd = &cobra.Command{
	Use:               "hive",
	Short:             "Hive membership and coordination",
	PersistentPreRunE: nodeInit,
}

var hiveStatusCmd = &cobra.Command{Use: "status", Short: "Show hive status", Args: cobra.NoArgs, RunE: hiveStatusHandler}
var hiveGenesisCmd = &cobra.Command{Use: "genesis", Short: "Create the hive (one-shot)", Args: cobra.NoArgs, RunE: hiveGenesisHandler}
var hiveInviteCmd = &cobra.Command{Use: "invite", Short: "Issue an invitation ticket", Args: cobra.NoArgs, RunE: hiveInviteHandler}
var hiveJoinCmd = &cobra.Command{Use: "join <candidate> <ticket_id>", Short: "Join via an invitation ticket", Args: cobra.ExactArgs(2), RunE: hiveJoinHandler}
var hiveVouchCmd = &cobra.Command{Use: "vouch <candidate> <voter>", Short: "Vouch for a neophyte's promotion", Args: cobra.ExactArgs(2), RunE: hiveVouchHandler}
var hiveRequestPromotionCmd = &cobra.Command{Use: "request-promotion <candidate> [new_peer_id...]", Short: "Open a promotion round", Args: cobra.MinimumNArgs(1), RunE: hiveRequestPromotionHandler}
var hiveBanCmd = &cobra.Command{Use: "ban <target> <reason_code>", Short: "Propose/commit a ban", Args: cobra.ExactArgs(2), RunE: hiveBanHandler}

func init() {
	hiveCmd.AddCommand(hiveStatusCmd, hiveGenesisCmd, hiveInviteCmd, hiveJoinCmd, hiveVouchCmd, hiveRequestPromotionCmd, hiveBanCmd)
}

// HiveCmd exports the root command.
var HiveCmd = hiveCmd
