// SPDX-License-Identifier: Apache-2.0
package cli

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/lnhive/coordinator/hive"
	"github.com/lnhive/coordinator/pkg/config"
	"github.com/lnhive/coordinator/rpcserver"
)

const oracleMode = "oracle"

var (
	nodeOnce  sync.Once
	nodeErr   error
	coord     *hive.Coordinator
	coordHost *hive.DemoHost
)

// nodeInit is the PersistentPreRunE every command group in this package
// wires in: it lazily builds the single Coordinator the process runs
// against, once, on first use.
func nodeInit(cmd *cobra.Command, _ []string) error {
	nodeOnce.Do(func() {
		cfg, err := config.LoadFromEnv()
		if err != nil {
			nodeErr = fmt.Errorf("load config: %w", err)
			return
		}
		id, err := hive.NewIdentity()
		if err != nil {
			nodeErr = fmt.Errorf("generate identity: %w", err)
			return
		}
		host, err := hive.NewDemoHost(cfg.Node.ListenAddr, cfg.Node.DiscoveryTag, cfg.Node.BootstrapPeers)
		if err != nil {
			nodeErr = fmt.Errorf("start demo host: %w", err)
			return
		}
		coordHost = host

		ccfg := hive.CoordinatorConfig{
			StoreDir:         cfg.Node.StoreDir,
			DunbarCap:        cfg.Membership.DunbarCap,
			ProbationWindow:  time.Duration(cfg.Membership.ProbationWindowHours) * time.Hour,
			GossipHeartbeat:  time.Duration(cfg.Gossip.HeartbeatSeconds) * time.Second,
			IntentHoldWindow: time.Duration(cfg.Intent.HoldWindowSeconds) * time.Second,
			IntentPurgeAge:   time.Duration(cfg.Intent.PurgeAgeMinutes) * time.Minute,
			GovernanceMode:   hive.ActionMode(cfg.Governance.Mode),
			SafetyBounds: hive.SafetyBounds{
				MaxOpensPerDay:      cfg.Governance.MaxOpensPerDay,
				MaxSatsPerDay:       cfg.Governance.MaxSatsPerDay,
				MaxFeeChangePercent: cfg.Governance.MaxFeeChangePercent,
				MaxSatsPerRebalance: cfg.Governance.MaxSatsPerRebalance,
			},
		}
		if ccfg.GovernanceMode == oracleMode && cfg.Governance.OracleEndpoint != "" {
			ccfg.Oracle = rpcserver.NewHTTPOracleClient(cfg.Governance.OracleEndpoint)
		}
		c, err := hive.NewCoordinator(ccfg, id, host, noopExecutor{}, noopProber{})
		if err != nil {
			nodeErr = fmt.Errorf("wire coordinator: %w", err)
			return
		}
		coord = c
	})
	return nodeErr
}

// noopExecutor satisfies hive.IntentExecutor for CLI sessions that have no
// live Lightning backend attached; a production deployment supplies its own.
type noopExecutor struct{}

func (noopExecutor) ExecuteIntent(hive.IntentRecord) error { return nil }

// noopProber satisfies hive.FeatureProber, reporting every optional wire
// feature as unsupported: a peer that claims any feature fails its ATTEST
// step, and only peers claiming no features reach ACTIVE.
type noopProber struct{}

func (noopProber) ProbeFeature(hive.NodeID, string) bool { return false }

// StartServing builds (if needed) the singleton Coordinator and starts its
// background loops under ctx; it is the entrypoint a `serve` command uses
// instead of going through a cobra PersistentPreRunE.
func StartServing(ctx context.Context, cfg *config.Config) error {
	if err := nodeInit(nil, nil); err != nil {
		return err
	}
	coord.RunLoops(ctx)
	return nil
}

// RPCHandler returns the operator RPC HTTP handler bound to the singleton
// Coordinator, for callers that already called StartServing.
func RPCHandler() http.Handler {
	return rpcserver.New(coord)
}
