// Package config loads run settings from a YAML file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/canopy-network/balancex/pkg/balance"
	"github.com/canopy-network/balancex/pkg/retry"
	"github.com/canopy-network/balancex/pkg/reward"
	"github.com/canopy-network/balancex/pkg/rpc"
	"github.com/canopy-network/balancex/pkg/utils"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultEndpoint is the public Creditcoin3 mainnet node.
	DefaultEndpoint = "wss://mainnet3.creditcoin.network"
	// DefaultGenesisDate is the first date of Creditcoin3 mainnet.
	DefaultGenesisDate = "2024-08-29"
	// DefaultDecimals is the number of decimals of the native token.
	DefaultDecimals = 18
)

// Config holds all settings of a run.
type Config struct {
	RPC struct {
		Endpoints       []string      `yaml:"endpoints"`
		Timeout         time.Duration `yaml:"timeout"`
		RPS             int           `yaml:"rps"`
		Burst           int           `yaml:"burst"`
		PoolSize        int           `yaml:"pool_size"`
		BreakerFailures int           `yaml:"breaker_failures"`
		BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
		// Local is an optional, possibly pruned, node that serves state queries at the blocks
		// it still holds.
		Local string `yaml:"local"`
	} `yaml:"rpc"`
	Retry struct {
		MaxAttempts  int           `yaml:"max_attempts"`
		InitialDelay time.Duration `yaml:"initial_delay"`
		MaxDelay     time.Duration `yaml:"max_delay"`
	} `yaml:"retry"`
	Chain struct {
		GenesisDate     string `yaml:"genesis_date"`
		ExpectedGenesis string `yaml:"expected_genesis"`
		Decimals        int    `yaml:"decimals"`
		FirstBlock      uint64 `yaml:"first_block"`
	} `yaml:"chain"`
	Balance struct {
		Policy      string `yaml:"policy"`
		Concurrency int    `yaml:"concurrency"`
	} `yaml:"balance"`
	Rewards struct {
		Disabled    bool `yaml:"disabled"`
		Concurrency int  `yaml:"concurrency"`
	} `yaml:"rewards"`
	Output struct {
		Dir             string `yaml:"dir"`
		CacheFile       string `yaml:"cache_file"`
		RewardCacheFile string `yaml:"reward_cache_file"`
	} `yaml:"output"`
	Schedule string `yaml:"schedule"`
}

// Load reads path (a missing or empty path yields defaults), then applies environment
// overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.RPC.Endpoints = utils.EnvList("BALANCEX_RPC", c.RPC.Endpoints)
	c.RPC.Timeout = utils.EnvDuration("BALANCEX_RPC_TIMEOUT", c.RPC.Timeout)
	c.RPC.RPS = utils.EnvInt("BALANCEX_RPC_RPS", c.RPC.RPS)
	c.RPC.Burst = utils.EnvInt("BALANCEX_RPC_BURST", c.RPC.Burst)
	c.RPC.PoolSize = utils.EnvInt("BALANCEX_RPC_POOL_SIZE", c.RPC.PoolSize)
	c.RPC.Local = utils.Env("BALANCEX_LOCAL_RPC", c.RPC.Local)
	c.Retry.MaxAttempts = utils.EnvInt("BALANCEX_RETRY_ATTEMPTS", c.Retry.MaxAttempts)
	c.Balance.Concurrency = utils.EnvInt("BALANCEX_CONCURRENCY", c.Balance.Concurrency)
	c.Balance.Policy = utils.Env("BALANCEX_BALANCE_POLICY", c.Balance.Policy)
	c.Chain.ExpectedGenesis = utils.Env("BALANCEX_EXPECTED_GENESIS", c.Chain.ExpectedGenesis)
	c.Output.Dir = utils.Env("BALANCEX_OUTPUT_DIR", c.Output.Dir)
	c.Rewards.Disabled = utils.EnvBool("BALANCEX_NO_REWARDS", c.Rewards.Disabled)
	c.Rewards.Concurrency = utils.EnvInt("BALANCEX_REWARD_CONCURRENCY", c.Rewards.Concurrency)
	c.Output.CacheFile = utils.Env("BALANCEX_CACHE_FILE", c.Output.CacheFile)
	c.Output.RewardCacheFile = utils.Env("BALANCEX_REWARD_CACHE_FILE", c.Output.RewardCacheFile)
	c.Schedule = utils.Env("BALANCEX_SCHEDULE", c.Schedule)
}

func (c *Config) applyDefaults() {
	if len(c.RPC.Endpoints) == 0 {
		c.RPC.Endpoints = []string{DefaultEndpoint}
	}
	if c.Chain.GenesisDate == "" {
		c.Chain.GenesisDate = DefaultGenesisDate
	}
	if c.Chain.Decimals <= 0 {
		c.Chain.Decimals = DefaultDecimals
	}
	if c.Chain.FirstBlock == 0 {
		c.Chain.FirstBlock = 1
	}
	if c.Balance.Policy == "" {
		c.Balance.Policy = string(balance.PolicyFree)
	}
	if c.Balance.Concurrency <= 0 {
		c.Balance.Concurrency = balance.DefaultConcurrency
	}
	if c.Output.Dir == "" {
		c.Output.Dir = "output"
	}
	if c.Output.CacheFile == "" {
		c.Output.CacheFile = "block_cache.json"
	}
	if c.Rewards.Concurrency <= 0 {
		c.Rewards.Concurrency = reward.DefaultConcurrency
	}
	if c.Output.RewardCacheFile == "" {
		c.Output.RewardCacheFile = "reward_cache.json"
	}
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if _, err := balance.ParsePolicy(c.Balance.Policy); err != nil {
		return err
	}
	if _, err := c.Genesis(); err != nil {
		return fmt.Errorf("chain.genesis_date: %w", err)
	}
	for _, ep := range c.RPC.Endpoints {
		if !strings.Contains(ep, "://") {
			return fmt.Errorf("rpc endpoint %q has no scheme", ep)
		}
	}
	if c.RPC.Local != "" && !strings.Contains(c.RPC.Local, "://") {
		return fmt.Errorf("local rpc endpoint %q has no scheme", c.RPC.Local)
	}
	if c.Schedule != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			return fmt.Errorf("schedule %q: %w", c.Schedule, err)
		}
	}
	return nil
}

// Genesis parses Chain.GenesisDate.
func (c *Config) Genesis() (time.Time, error) {
	return time.Parse(time.DateOnly, c.Chain.GenesisDate)
}

// Policy returns the parsed balance policy.
func (c *Config) Policy() balance.Policy {
	p, err := balance.ParsePolicy(c.Balance.Policy)
	if err != nil {
		return balance.PolicyFree
	}
	return p
}

// LocalRPCOpts builds the connector options of the local node, or false when none is set.
func (c *Config) LocalRPCOpts() (rpc.Opts, bool) {
	if c.RPC.Local == "" {
		return rpc.Opts{}, false
	}
	opts := c.RPCOpts()
	opts.Endpoints = []string{c.RPC.Local}
	return opts, true
}

// RPCOpts builds the connector options.
func (c *Config) RPCOpts() rpc.Opts {
	r := retry.DefaultConfig()
	if c.Retry.MaxAttempts > 0 {
		r.MaxAttempts = c.Retry.MaxAttempts
	}
	if c.Retry.InitialDelay > 0 {
		r.InitialDelay = c.Retry.InitialDelay
	}
	if c.Retry.MaxDelay > 0 {
		r.MaxDelay = c.Retry.MaxDelay
	}
	return rpc.Opts{
		Endpoints:       c.RPC.Endpoints,
		Timeout:         c.RPC.Timeout,
		RPS:             c.RPC.RPS,
		Burst:           c.RPC.Burst,
		PoolSize:        c.RPC.PoolSize,
		BreakerFailures: c.RPC.BreakerFailures,
		BreakerCooldown: c.RPC.BreakerCooldown,
		Retry:           r,
	}
}
