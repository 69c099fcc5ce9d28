// SPDX-License-Identifier: Apache-2.0
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lnhive/coordinator/hive"
)

func topologyHandler(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	for _, e := range coord.Fleet.Snapshot() {
		fmt.Fprintf(out, "%s  tier=%s  version=%d  updated=%s\n", e.NodeID, e.CapacityTier, e.Version, e.UpdatedAt)
	}
	fmt.Fprintf(out, "state_hash=%x\n", coord.Fleet.Hash())
	return nil
}

func contributionHandler(cmd *cobra.Command, args []string) error {
	id := hive.NodeID(args[0])
	m, ok := coord.Store.GetMember(id)
	if !ok {
		return fmt.Errorf("unknown member %s", id)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s  contribution_ratio=%.3f  uptime=%.4f\n", m.NodeID, m.ContributionRatio, m.UptimeFraction)
	return nil
}

var topologyCmd = &cobra.Command{Use: "topology", Short: "Show the replicated fleet state map", Args: cobra.NoArgs, PersistentPreRunE: nodeInit, RunE: topologyHandler}
var contributionCmd = &cobra.Command{Use: "contribution <node_id>", Short: "Show a member's contribution standing", Args: cobra.ExactArgs(1), PersistentPreRunE: nodeInit, RunE: contributionHandler}

// TopologyCmd exports the fleet-state inspection command.
var TopologyCmd = topologyCmd

// ContributionCmd exports the contribution-ledger inspection command.
var ContributionCmd = contributionCmd
