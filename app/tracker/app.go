// Package tracker sequences a balance history run: accounts, block resolution, balance
// fetching, staking rewards, merge and output files.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/canopy-network/balancex/pkg/accounts"
	"github.com/canopy-network/balancex/pkg/balance"
	"github.com/canopy-network/balancex/pkg/blockcache"
	"github.com/canopy-network/balancex/pkg/config"
	"github.com/canopy-network/balancex/pkg/history"
	"github.com/canopy-network/balancex/pkg/resolver"
	"github.com/canopy-network/balancex/pkg/reward"
	"github.com/canopy-network/balancex/pkg/rpc"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Chain is everything a run needs from the chain connector.
type Chain interface {
	resolver.Chain
	balance.Querier
	reward.Staking
	GenesisHash(ctx context.Context) (string, error)
	ChainInfo(ctx context.Context) (rpc.ChainInfo, error)
	Close() error
}

// Params selects what a run tracks. Zero dates default to the genesis date and today (UTC).
type Params struct {
	AccountsFile string
	Address      string
	Name         string

	Start time.Time
	End   time.Time

	// Output is the combined CSV path; empty means <output dir>/<source>_history.csv.
	Output string

	Graph       bool
	NoCache     bool
	RefetchZero bool
}

// App holds the long-lived parts of the tracker: configuration, the chain connector and the
// worker pools.
type App struct {
	Config  *config.Config
	Chain   Chain
	Tracker *balance.Tracker
	Scanner *reward.Scanner

	// Cron drives scheduled runs, according to CronSpec.
	Cron     *cron.Cron
	CronSpec string

	Logger *zap.Logger

	now func() time.Time
}

// Initialize connects to the configured nodes and builds the App.
func Initialize(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := rpc.Connect(ctx, cfg.RPCOpts(), logger)
	if err != nil {
		return nil, stageErr(StageChain, err)
	}
	info, err := client.ChainInfo(ctx)
	if err != nil {
		_ = client.Close()
		return nil, stageErr(StageChain, err)
	}
	local, localFrom := connectLocal(ctx, cfg, info, logger)
	app := NewApp(cfg, rpc.NewRouter(client, local, localFrom, logger), logger)
	logger.Info("connected",
		zap.Strings("endpoints", cfg.RPC.Endpoints),
		zap.String("chain", info.String()),
		zap.String("genesis", info.GenesisHash))
	return app, nil
}

// connectLocal connects the optional local node and finds the first block whose state it
// holds. Any failure leaves the remote node serving everything.
func connectLocal(ctx context.Context, cfg *config.Config, remote rpc.ChainInfo, logger *zap.Logger) (*rpc.Client, uint64) {
	opts, ok := cfg.LocalRPCOpts()
	if !ok {
		return nil, 0
	}
	logger = logger.With(zap.String("local", cfg.RPC.Local))
	local, err := rpc.Connect(ctx, opts, logger)
	if err != nil {
		logger.Warn("local node unavailable, using the remote node only", zap.Error(err))
		return nil, 0
	}
	from, err := localStateFrom(ctx, local, remote)
	if err != nil {
		logger.Warn("local node unusable, using the remote node only", zap.Error(err))
		_ = local.Close()
		return nil, 0
	}
	logger.Info("local node serves recent state", zap.Uint64("fromBlock", from))
	return local, from
}

func localStateFrom(ctx context.Context, local *rpc.Client, remote rpc.ChainInfo) (uint64, error) {
	genesis, err := local.GenesisHash(ctx)
	if err != nil {
		return 0, err
	}
	if remote.GenesisHash != "" && !strings.EqualFold(genesis, remote.GenesisHash) {
		return 0, fmt.Errorf("%w: local node reports %s, remote %s", ErrGenesisMismatch, genesis, remote.GenesisHash)
	}
	head, err := local.LatestBlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	return local.FirstStateBlock(ctx, head)
}

// NewApp builds an App around an existing connector.
func NewApp(cfg *config.Config, chain Chain, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		Config:   cfg,
		Chain:    chain,
		Tracker:  balance.NewTracker(chain, cfg.Balance.Concurrency, logger),
		Scanner:  reward.NewScanner(chain, cfg.Rewards.Concurrency, logger),
		CronSpec: cfg.Schedule,
		Logger:   logger,
		now:      time.Now,
	}
}

// Close stops the worker pools and the connector.
func (a *App) Close() error {
	a.Tracker.Close()
	a.Scanner.Close()
	return a.Chain.Close()
}

func (a *App) loadAccounts(p Params) ([]accounts.Account, string, error) {
	if p.AccountsFile != "" {
		accts, err := accounts.Load(p.AccountsFile)
		if err != nil {
			return nil, "", err
		}
		if len(accts) == 0 {
			return nil, "", fmt.Errorf("%s: no accounts", p.AccountsFile)
		}
		base := filepath.Base(p.AccountsFile)
		return accts, strings.TrimSuffix(base, filepath.Ext(base)), nil
	}
	if p.Address != "" {
		accts, err := accounts.Single(p.Name, p.Address)
		if err != nil {
			return nil, "", err
		}
		return accts, accts[0].Name, nil
	}
	return nil, "", errors.New("either an account file or an address is required")
}

func (a *App) dateRange(p Params) ([]time.Time, error) {
	start, end := p.Start, p.End
	if start.IsZero() {
		g, err := a.Config.Genesis()
		if err != nil {
			return nil, err
		}
		start = g
	}
	if end.IsZero() {
		end = a.now().UTC()
	}
	start, end = resolver.Midnight(start), resolver.Midnight(end)
	if end.Before(start) {
		return nil, fmt.Errorf("end %s is before start %s", blockcache.Key(end), blockcache.Key(start))
	}
	var out []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out, nil
}

func (a *App) verifyGenesis(ctx context.Context) error {
	want := strings.ToLower(strings.TrimSpace(a.Config.Chain.ExpectedGenesis))
	if want == "" {
		return nil
	}
	got, err := a.Chain.GenesisHash(ctx)
	if err != nil {
		return err
	}
	if strings.ToLower(got) != want {
		return fmt.Errorf("%w: node reports %s, expected %s", ErrGenesisMismatch, got, want)
	}
	return nil
}

func (a *App) outputPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.Config.Output.Dir, p)
}

func (a *App) rewardsEnabled() bool {
	return !a.Config.Rewards.Disabled
}

// Run executes one pass of the pipeline. Dates out of the chain's range and accounts whose
// query failed are listed in the report and leave gaps in the output; anything else stops the
// run with a StageError. Outputs for the dates resolved before a failure are still written.
func (a *App) Run(ctx context.Context, p Params) (*Report, error) {
	began := a.now()
	report := &Report{}

	accts, source, err := a.loadAccounts(p)
	if err != nil {
		return report, stageErr(StageAccounts, err)
	}
	dates, err := a.dateRange(p)
	if err != nil {
		return report, stageErr(StageAccounts, err)
	}
	report.Source, report.Accounts, report.Dates = source, len(accts), len(dates)
	report.Start, report.End = dates[0], dates[len(dates)-1]

	if err := a.verifyGenesis(ctx); err != nil {
		return report, stageErr(StageChain, err)
	}

	cachePath := a.outputPath(a.Config.Output.CacheFile)
	cache := blockcache.Load(cachePath, a.Logger)
	cache.SetBypass(p.NoCache)
	report.CacheRecovered = cache.Recovered()

	output := p.Output
	if output == "" {
		output = filepath.Join(a.Config.Output.Dir, source+"_history.csv")
	}
	existing, columns, err := history.ReadCSV(output)
	if err != nil {
		return report, stageErr(StageHistory, err)
	}
	acctNames := accounts.Names(accts)
	names := union(acctNames, columns)

	todo := history.NeedsFetch(existing, acctNames, dates, p.RefetchZero)
	for _, d := range todo {
		if _, ok := cache.Get(d); ok {
			report.CacheHits++
		}
	}

	var (
		rewardPath  = a.outputPath(a.Config.Output.RewardCacheFile)
		rewardCache *reward.Cache
		rewards     map[string]map[string]decimal.Decimal
		scan        []time.Time
	)
	if a.rewardsEnabled() {
		rewardCache = reward.LoadCache(rewardPath, a.Logger)
		rewardCache.SetBypass(p.NoCache)
		report.RewardCacheRecovered = rewardCache.Recovered()
		rewards, scan = cachedRewards(rewardCache, accts, history.NeedsReward(existing, acctNames, dates))
	}
	a.Logger.Info("dates selected",
		zap.String("source", source),
		zap.Int("inRange", len(dates)),
		zap.Int("toFetch", len(todo)),
		zap.Int("cached", report.CacheHits),
		zap.Int("rewardsToScan", len(scan)))

	res := resolver.New(a.Chain, cache, a.Logger)
	res.FirstBlock = a.Config.Chain.FirstBlock
	entries, failures, resolveErr := res.ResolveRange(ctx, todo)
	report.DateFailures = failures
	report.Resolved = len(entries) - report.CacheHits

	var spans []reward.Span
	if len(scan) > 0 && resolveErr == nil {
		spans, resolveErr = a.rewardSpans(ctx, res, entries, scan, report)
	}
	report.Lookups = res.Lookups()

	if cache.Dirty() {
		if err := cache.Save(cachePath); err != nil {
			return report, stageErr(StageCache, &FileIOError{Path: cachePath, Err: err})
		}
	}
	if resolveErr != nil && ctx.Err() != nil {
		return report, stageErr(StageResolve, resolveErr)
	}

	results, err := a.Tracker.FetchDates(ctx, accts, entries)
	if err != nil {
		return report, stageErr(StageFetch, err)
	}
	fresh := a.rows(existing, results, report)
	report.Fetched = len(fresh)

	if len(spans) > 0 {
		scanned, failures, err := a.Scanner.Scan(ctx, accts, spans)
		if err != nil {
			return report, stageErr(StageRewards, err)
		}
		report.RewardFailures = failures
		a.keepRewards(rewardCache, accts, scanned, rewards)
		if rewardCache.Dirty() {
			if err := rewardCache.Save(rewardPath); err != nil {
				return report, stageErr(StageCache, &FileIOError{Path: rewardPath, Err: err})
			}
		}
	}
	report.Rewarded = len(rewards)
	fresh = withRewards(existing, fresh, rewards)

	merged := history.Merge(existing, fresh, acctNames)
	if err := a.write(output, names, merged, source, p.Graph, report); err != nil {
		return report, stageErr(StageWrite, err)
	}
	if len(merged) > 0 {
		report.Latest = &merged[len(merged)-1]
	}
	report.Duration = a.now().Sub(began)
	report.log(a.Logger)

	if resolveErr != nil {
		return report, stageErr(StageResolve, resolveErr)
	}
	return report, nil
}

// cachedRewards splits dates into the rewards the cache holds for every account, keyed by date
// then account name, and the dates that have to be scanned.
func cachedRewards(c *reward.Cache, accts []accounts.Account, dates []time.Time) (map[string]map[string]decimal.Decimal, []time.Time) {
	found := map[string]map[string]decimal.Decimal{}
	var scan []time.Time
	for _, d := range dates {
		values := make(map[string]decimal.Decimal, len(accts))
		for _, acct := range accts {
			v, ok := c.Get(acct.Address, d)
			if !ok {
				break
			}
			values[acct.Name] = v
		}
		if len(values) < len(accts) {
			scan = append(scan, d)
			continue
		}
		found[blockcache.Key(d)] = values
	}
	return found, scan
}

// rewardSpans pairs every date in scan with the block of the day after. Dates whose next day is
// not on chain yet are left for a later run; dates out of the chain's range are skipped.
func (a *App) rewardSpans(ctx context.Context, res *resolver.Resolver, known []blockcache.Entry, scan []time.Time, report *Report) ([]reward.Span, error) {
	byDate := make(map[string]blockcache.Entry, len(known))
	for _, e := range known {
		byDate[blockcache.Key(e.Date)] = e
	}
	var need []time.Time
	for _, d := range scan {
		for _, day := range []time.Time{d, d.AddDate(0, 0, 1)} {
			if _, ok := byDate[blockcache.Key(day)]; !ok {
				need = append(need, day)
			}
		}
	}
	entries, _, err := res.ResolveRange(ctx, need)
	for _, e := range entries {
		byDate[blockcache.Key(e.Date)] = e
	}

	var spans []reward.Span
	for _, d := range scan {
		from, ok := byDate[blockcache.Key(d)]
		if !ok {
			continue
		}
		to, ok := byDate[blockcache.Key(d.AddDate(0, 0, 1))]
		if !ok {
			report.RewardPending++
			continue
		}
		spans = append(spans, reward.Span{Date: d, From: from, To: to})
	}
	return spans, err
}

// keepRewards converts scanned rewards to tokens, stores them in the reward cache and adds them
// to rewards.
func (a *App) keepRewards(c *reward.Cache, accts []accounts.Account, scanned []reward.Result, rewards map[string]map[string]decimal.Decimal) {
	decimals := int32(a.Config.Chain.Decimals)
	for _, r := range scanned {
		values := make(map[string]decimal.Decimal, len(accts))
		for _, acct := range accts {
			v := r.Amounts[acct.Address].Shift(-decimals)
			c.Put(acct.Address, r.Date, v)
			values[acct.Name] = v
		}
		rewards[blockcache.Key(r.Date)] = values
	}
}

// withRewards attaches rewards to the fresh rows of their dates, carrying the balances already in
// history for dates that were not fetched again.
func withRewards(existing, fresh []history.Row, rewards map[string]map[string]decimal.Decimal) []history.Row {
	if len(rewards) == 0 {
		return fresh
	}
	prev := make(map[string]history.Row, len(existing))
	for _, r := range existing {
		prev[blockcache.Key(r.Date)] = r
	}
	seen := make(map[string]bool, len(fresh))
	for i := range fresh {
		k := blockcache.Key(fresh[i].Date)
		seen[k] = true
		if values, ok := rewards[k]; ok {
			fresh[i].Rewards = combine(prev[k].Rewards, values)
		}
	}
	for k, values := range rewards {
		if seen[k] {
			continue
		}
		old, ok := prev[k]
		if !ok {
			date, _ := time.Parse(blockcache.DateLayout, k)
			old = history.NewRow(date, nil)
		}
		old.Rewards = combine(old.Rewards, values)
		fresh = append(fresh, old)
	}
	return fresh
}

func combine(old, values map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(old)+len(values))
	for k, v := range old {
		out[k] = v
	}
	for k, v := range values {
		out[k] = v
	}
	return out
}

// rows turns fetch results into history rows. Values already in history are kept for accounts
// whose query failed; a date with no value at all is left out.
func (a *App) rows(existing []history.Row, results []balance.Result, report *Report) []history.Row {
	prev := make(map[string]history.Row, len(existing))
	for _, r := range existing {
		prev[blockcache.Key(r.Date)] = r
	}
	policy := a.Config.Policy()
	decimals := int32(a.Config.Chain.Decimals)

	var out []history.Row
	for _, res := range results {
		report.AccountFailures = append(report.AccountFailures, res.Failures...)

		values := map[string]decimal.Decimal{}
		if old, ok := prev[blockcache.Key(res.Date)]; ok {
			for k, v := range old.Balances {
				values[k] = v
			}
		}
		for k, v := range res.Amounts(policy, decimals) {
			values[k] = v
		}
		if len(values) == 0 {
			continue
		}
		out = append(out, history.NewRow(res.Date, values))
	}
	return out
}

func (a *App) write(output string, names []string, rows []history.Row, source string, graph bool, report *Report) error {
	rewards := a.rewardsEnabled()
	if err := history.WriteCSV(output, names, rows, rewards); err != nil {
		return &FileIOError{Path: output, Err: err}
	}
	report.Files = append(report.Files, output)

	dir := filepath.Join(filepath.Dir(output), history.IndividualDir)
	written, err := history.WriteIndividual(dir, names, rows, rewards)
	report.Files = append(report.Files, written...)
	if err != nil {
		return &FileIOError{Path: dir, Err: err}
	}

	if !graph || len(rows) == 0 {
		return nil
	}
	series := []history.Series{history.TotalSeries(rows)}
	for _, n := range names {
		series = append(series, history.AccountSeries(rows, n))
	}
	svg := strings.TrimSuffix(output, filepath.Ext(output)) + ".svg"
	if err := history.RenderSVG(svg, source, series...); err != nil {
		return &FileIOError{Path: svg, Err: err}
	}
	report.Files = append(report.Files, svg)

	if rs := history.RewardSeries(rows); rewards && len(rs.Points) > 0 {
		path := strings.TrimSuffix(output, filepath.Ext(output)) + "_rewards.svg"
		if err := history.RenderSVG(path, source+" rewards", rs); err != nil {
			return &FileIOError{Path: path, Err: err}
		}
		report.Files = append(report.Files, path)
	}

	for _, n := range names {
		s := history.AccountSeries(rows, n)
		if len(s.Points) == 0 {
			continue
		}
		path := filepath.Join(dir, history.FileName(n)+".svg")
		if err := history.RenderSVG(path, n, s); err != nil {
			return &FileIOError{Path: path, Err: err}
		}
		report.Files = append(report.Files, path)
	}
	return nil
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
