// SPDX-License-Identifier: Apache-2.0
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lnhive/coordinator/hive"
)

func intentAnnounceHandler(cmd *cobra.Command, args []string) error {
	kind := hive.IntentKind(args[0])
	target := args[1]
	rec, err := coord.Intent.Announce(kind, coord.Identity.NodeID(), target, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "intent_id=%s hold_deadline=%s\n", rec.IntentID, rec.HoldDeadline.Format(time.RFC3339))
	return nil
}

func intentStatusHandler(cmd *cobra.Command, args []string) error {
	rec, ok := coord.Store.GetIntent(args[0])
	if !ok {
		return fmt.Errorf("unknown intent %s", args[0])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s  kind=%s  scope=%s  status=%s\n", rec.IntentID, rec.Kind, rec.ConflictScope, rec.Status)
	return nil
}

func intentListHandler(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	for _, rec := range coord.Store.ListIntents() {
		fmt.Fprintf(out, "%s  kind=%s  scope=%s  status=%s\n", rec.IntentID, rec.Kind, rec.ConflictScope, rec.Status)
	}
	return nil
}

var intentCmd = &cobra.Command{
	Use:               "intent",
	Short:             "Announce-wait-commit fleet action locks",
	PersistentPreRunE: nodeInit,
}

var intentAnnounceCmd = &cobra.Command{Use: "announce <kind> <target>", Short: "Announce an intent", Args: cobra.ExactArgs(2), RunE: intentAnnounceHandler}
var intentStatusCmd = &cobra.Command{Use: "status <intent_id>", Short: "Show one intent's status", Args: cobra.ExactArgs(1), RunE: intentStatusHandler}
var intentListCmd = &cobra.Command{Use: "list", Short: "List all known intents", Args: cobra.NoArgs, RunE: intentListHandler}

func init() {
	intentCmd.AddCommand(intentAnnounceCmd, intentStatusCmd, intentListCmd)
}

// IntentCmd exports the root command.
var IntentCmd = intentCmd
