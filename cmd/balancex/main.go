package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/canopy-network/balancex/app/tracker"
	"github.com/canopy-network/balancex/pkg/config"
	"github.com/canopy-network/balancex/pkg/logging"
	"github.com/canopy-network/balancex/pkg/rpc"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var (
	configFlag = &cli.StringFlag{Name: "config", Usage: "YAML configuration file", EnvVars: []string{"BALANCEX_CONFIG"}}
	rpcFlag    = &cli.StringSliceFlag{Name: "rpc", Usage: "node endpoint (http(s):// or ws(s)://), repeatable"}
)

func main() {
	app := &cli.App{
		Name:  "balancex",
		Usage: "reconstruct daily balance history of Substrate accounts",
		Flags: []cli.Flag{
			configFlag,
			rpcFlag,
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "account file (Name Address or Name = Address per line)"},
			&cli.StringFlag{Name: "address", Aliases: []string{"a"}, Usage: "single account address"},
			&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Value: "wallet", Usage: "display name for --address"},
			&cli.StringFlag{Name: "start", Usage: "first date, YYYY-MM-DD (default: genesis date)"},
			&cli.StringFlag{Name: "end", Usage: "last date, YYYY-MM-DD (default: today UTC)"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "combined CSV path"},
			&cli.StringFlag{Name: "output-dir", Usage: "directory for history, individual files and block cache"},
			&cli.BoolFlag{Name: "graph", Aliases: []string{"g"}, Usage: "render SVG charts"},
			&cli.BoolFlag{Name: "no-cache", Usage: "ignore cached date blocks (fresh results are still cached)"},
			&cli.BoolFlag{Name: "refetch-zero", Usage: "fetch again dates where every account is zero"},
			&cli.IntFlag{Name: "concurrency", Usage: "balance queries in flight"},
			&cli.StringFlag{Name: "balance-policy", Usage: "free, total or transferable"},
			&cli.StringFlag{Name: "schedule", Usage: "cron spec; keep running and repeat the run on every tick"},
			&cli.BoolFlag{Name: "no-rewards", Usage: "skip staking reward tracking"},
			&cli.IntFlag{Name: "reward-concurrency", Usage: "dates scanned for rewards at once"},
			&cli.StringFlag{Name: "local-rpc", Usage: "local node endpoint serving the recent state it holds"},
		},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:   "info",
				Usage:  "print chain name, runtime version and head",
				Action: info,
			},
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return nil, err
	}
	if eps := c.StringSlice(rpcFlag.Name); len(eps) > 0 {
		cfg.RPC.Endpoints = eps
	}
	if c.IsSet("concurrency") {
		cfg.Balance.Concurrency = c.Int("concurrency")
	}
	if c.IsSet("balance-policy") {
		cfg.Balance.Policy = c.String("balance-policy")
	}
	if c.IsSet("output-dir") {
		cfg.Output.Dir = c.String("output-dir")
	}
	if c.IsSet("schedule") {
		cfg.Schedule = c.String("schedule")
	}
	if c.IsSet("no-rewards") {
		cfg.Rewards.Disabled = c.Bool("no-rewards")
	}
	if c.IsSet("reward-concurrency") {
		cfg.Rewards.Concurrency = c.Int("reward-concurrency")
	}
	if c.IsSet("local-rpc") {
		cfg.RPC.Local = c.String("local-rpc")
	}
	return cfg, cfg.Validate()
}

func parseDate(c *cli.Context, name string) (time.Time, error) {
	v := c.String(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}

func run(c *cli.Context) error {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.String("file") == "" && c.String("address") == "" {
		return cli.Exit("either --file or --address is required", 2)
	}
	start, err := parseDate(c, "start")
	if err != nil {
		return err
	}
	end, err := parseDate(c, "end")
	if err != nil {
		return err
	}
	params := tracker.Params{
		AccountsFile: c.String("file"),
		Address:      c.String("address"),
		Name:         c.String("name"),
		Start:        start,
		End:          end,
		Output:       c.String("output"),
		Graph:        c.Bool("graph"),
		NoCache:      c.Bool("no-cache"),
		RefetchZero:  c.Bool("refetch-zero"),
	}

	app, err := tracker.Initialize(c.Context, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	if cfg.Schedule != "" {
		return app.Schedule(c.Context, cfg.Schedule, params)
	}
	report, err := app.Run(c.Context, params)
	if err != nil {
		return err
	}
	if l := report.Latest; l != nil {
		total := "incomplete"
		if l.Total.Valid {
			total = l.Total.Decimal.StringFixed(1)
		}
		fmt.Printf("Latest (%s): %s\n", l.Date.Format(time.DateOnly), total)
		if l.RewardCumulative.Valid {
			fmt.Printf("Rewards to date: %s\n", l.RewardCumulative.Decimal.StringFixed(4))
		}
	}
	return nil
}

func info(c *cli.Context) error {
	logger, err := logging.New()
	if err != nil {
		panic(err)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	client, err := rpc.Connect(c.Context, cfg.RPCOpts(), logger)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	ci, err := client.ChainInfo(c.Context)
	if err != nil {
		return err
	}
	head, err := client.LatestBlockNumber(c.Context)
	if err != nil {
		return err
	}
	logger.Info("chain", zap.String("chain", ci.String()), zap.String("spec", ci.SpecName),
		zap.String("genesis", ci.GenesisHash), zap.Uint64("head", head))
	fmt.Printf("%s (%s)\ngenesis %s\nfinalized head #%d\n", ci, ci.SpecName, ci.GenesisHash, head)
	return nil
}
