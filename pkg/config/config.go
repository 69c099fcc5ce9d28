package config

// Package config provides a reusable loader for coordinator configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/lnhive/coordinator/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a coordinator process. It
// mirrors the structure of the YAML files under cmd/config.
type Config struct {
	Node struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		RPCListenAddr  string   `mapstructure:"rpc_listen_addr" json:"rpc_listen_addr"`
		StoreDir       string   `mapstructure:"store_dir" json:"store_dir"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
	} `mapstructure:"node" json:"node"`

	Membership struct {
		DunbarCap              int     `mapstructure:"dunbar_cap" json:"dunbar_cap"`
		ProbationWindowHours   int     `mapstructure:"probation_window_hours" json:"probation_window_hours"`
		PromotionQuorumPercent float64 `mapstructure:"promotion_quorum_percent" json:"promotion_quorum_percent"`
	} `mapstructure:"membership" json:"membership"`

	Gossip struct {
		HeartbeatSeconds int `mapstructure:"heartbeat_seconds" json:"heartbeat_seconds"`
		AntiEntropyEvery int `mapstructure:"anti_entropy_seconds" json:"anti_entropy_seconds"`
		RateLimitPerMin  int `mapstructure:"rate_limit_per_min" json:"rate_limit_per_min"`
	} `mapstructure:"gossip" json:"gossip"`

	Intent struct {
		HoldWindowSeconds int `mapstructure:"hold_window_seconds" json:"hold_window_seconds"`
		PurgeAgeMinutes   int `mapstructure:"purge_age_minutes" json:"purge_age_minutes"`
	} `mapstructure:"intent" json:"intent"`

	Governance struct {
		Mode                string  `mapstructure:"mode" json:"mode"`
		OracleEndpoint      string  `mapstructure:"oracle_endpoint" json:"oracle_endpoint"`
		OracleTimeoutMS     int     `mapstructure:"oracle_timeout_ms" json:"oracle_timeout_ms"`
		MaxOpensPerDay      int     `mapstructure:"max_opens_per_day" json:"max_opens_per_day"`
		MaxSatsPerDay       uint64  `mapstructure:"max_sats_per_day" json:"max_sats_per_day"`
		MaxFeeChangePercent float64 `mapstructure:"max_fee_change_percent" json:"max_fee_change_percent"`
		MaxSatsPerRebalance uint64  `mapstructure:"max_sats_per_rebalance" json:"max_sats_per_rebalance"`
	} `mapstructure:"governance" json:"governance"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up overrides from process environment variables

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the HIVE_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("HIVE_ENV", ""))
}
