package tracker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/canopy-network/balancex/pkg/blockcache"
	"github.com/canopy-network/balancex/pkg/config"
	"github.com/canopy-network/balancex/pkg/resolver"
	"github.com/canopy-network/balancex/pkg/reward"
	"github.com/canopy-network/balancex/pkg/rpc"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	alice = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"
	bob   = "5FHneW46xGXgs5mUiveU4sbTyGBzmstUspZC92UhjJM694ty"
)

// block 1 is produced at 06:00 on 2024-09-01, then one block per hour
var firstBlockAt = time.Date(2024, 9, 1, 6, 0, 0, 0, time.UTC)

type fakeChain struct {
	mu           sync.Mutex
	head         uint64
	broken       map[string]bool
	failAbove    uint64
	eraFail      uint64
	balanceCalls int
	eraCalls     int
	payoutCalls  int
	closed       bool
}

func newFakeChain() *fakeChain {
	return &fakeChain{head: 240, broken: map[string]bool{}}
}

func (f *fakeChain) LatestBlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeChain) BlockHash(_ context.Context, n uint64) (string, error) {
	if n > f.head {
		return "", fmt.Errorf("block %d: %w", n, rpc.ErrNotFound)
	}
	if f.failAbove > 0 && n > f.failAbove && n != f.head {
		return "", fmt.Errorf("%w: connection reset", rpc.ErrConnection)
	}
	return fmt.Sprintf("0x%064x", n), nil
}

func (f *fakeChain) BlockTimestamp(_ context.Context, hash string) (uint64, error) {
	var n uint64
	if _, err := fmt.Sscanf(hash, "0x%x", &n); err != nil {
		return 0, err
	}
	return uint64(firstBlockAt.Add(time.Duration(n-1) * time.Hour).UnixMilli()), nil
}

func (f *fakeChain) Balance(_ context.Context, address, hash string) (rpc.AccountBalance, error) {
	f.mu.Lock()
	f.balanceCalls++
	f.mu.Unlock()
	if f.broken[address] {
		return rpc.AccountBalance{}, fmt.Errorf("balance failed after 4 attempts: %w", rpc.ErrTransient)
	}
	var n uint64
	if _, err := fmt.Sscanf(hash, "0x%x", &n); err != nil {
		return rpc.AccountBalance{}, err
	}
	mult := uint64(1)
	if address == bob {
		mult = 2
	}
	free := new(uint256.Int).Mul(uint256.NewInt(n*mult), new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(18)))
	return rpc.AccountBalance{Free: free, Reserved: uint256.NewInt(0), Frozen: uint256.NewInt(0)}, nil
}

func blockOf(hash string) (uint64, error) {
	var n uint64
	_, err := fmt.Sscanf(hash, "0x%x", &n)
	return n, err
}

// one era per 24 blocks, so every midnight block starts a new era
func (f *fakeChain) ActiveEra(_ context.Context, hash string) (uint32, error) {
	f.mu.Lock()
	f.eraCalls++
	f.mu.Unlock()
	n, err := blockOf(hash)
	if err != nil {
		return 0, err
	}
	if f.eraFail != 0 && n == f.eraFail {
		return 0, fmt.Errorf("storage at %d: %w", n, rpc.ErrTransient)
	}
	return uint32(n / 24), nil
}

// era e pays (e+1) tokens to one validator staked 1/4 by alice and 2/4 by bob
func (f *fakeChain) EraPayout(_ context.Context, era uint32, _ string) (rpc.EraPayout, error) {
	f.mu.Lock()
	f.payoutCalls++
	f.mu.Unlock()
	aliceID, err := rpc.AccountID(alice)
	if err != nil {
		return rpc.EraPayout{}, err
	}
	bobID, err := rpc.AccountID(bob)
	if err != nil {
		return rpc.EraPayout{}, err
	}
	reward := new(uint256.Int).Mul(uint256.NewInt(uint64(era)+1), new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(18)))
	return rpc.EraPayout{
		Era:         era,
		Reward:      reward,
		TotalPoints: 1,
		Validators: []rpc.ValidatorPayout{{
			Validator: [32]byte{9},
			Points:    1,
			Total:     uint256.NewInt(4),
			Own:       uint256.NewInt(1),
			Nominators: []rpc.Stake{
				{Who: aliceID, Value: uint256.NewInt(1)},
				{Who: bobID, Value: uint256.NewInt(2)},
			},
		}},
	}, nil
}

func (f *fakeChain) rewardCalls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eraCalls, f.payoutCalls
}

func (f *fakeChain) GenesisHash(ctx context.Context) (string, error) { return f.BlockHash(ctx, 0) }

func (f *fakeChain) ChainInfo(ctx context.Context) (rpc.ChainInfo, error) {
	return rpc.ChainInfo{Chain: "Test", SpecName: "test", Version: "1.1"}, nil
}

func (f *fakeChain) Close() error {
	f.closed = true
	return nil
}

func (f *fakeChain) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balanceCalls
}

type fixture struct {
	app      *App
	chain    *fakeChain
	dir      string
	accounts string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Output.Dir = dir
	cfg.Output.CacheFile = "block_cache.json"
	cfg.Chain.GenesisDate = "2024-09-01"
	cfg.Balance.Concurrency = 3
	cfg.Rewards.Disabled = true

	chain := newFakeChain()
	app := NewApp(cfg, chain, zap.NewNop())
	app.now = func() time.Time { return time.Date(2024, 9, 10, 12, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { _ = app.Close() })

	acctFile := filepath.Join(dir, "wallets.txt")
	require.NoError(t, os.WriteFile(acctFile, []byte("# team\nalice "+alice+"\nbob = "+bob+"\n"), 0o644))
	return &fixture{app: app, chain: chain, dir: dir, accounts: acctFile}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(raw)), "\n")
}

func TestRunWritesHistory(t *testing.T) {
	f := newFixture(t)
	report, err := f.app.Run(context.Background(), Params{AccountsFile: f.accounts})
	require.NoError(t, err)

	assert.Equal(t, "wallets", report.Source)
	assert.Equal(t, 10, report.Dates)
	assert.Equal(t, 9, report.Fetched)
	require.Len(t, report.DateFailures, 1)
	assert.ErrorIs(t, report.DateFailures[0], resolver.ErrBeforeGenesis)
	assert.Empty(t, report.AccountFailures)
	assert.False(t, report.Complete())
	require.NotNil(t, report.Latest)
	assert.Equal(t, "2024-09-10", blockcache.Key(report.Latest.Date))

	lines := readLines(t, filepath.Join(f.dir, "wallets_history.csv"))
	require.Len(t, lines, 10)
	assert.Equal(t, "date,alice,bob,total,diff,diff_avg10", lines[0])
	// midnight of 09-02 is 18h after block 1, so block 19
	assert.Equal(t, "2024-09-02,19.0,38.0,57.0,,", lines[1])
	assert.Equal(t, "2024-09-03,43.0,86.0,129.0,72.0,72.0", lines[2])

	ind := readLines(t, filepath.Join(f.dir, "individual", "bob.csv"))
	assert.Equal(t, "date,balance,diff,diff_avg10", ind[0])
	assert.Equal(t, "2024-09-03,86.0,48.0,48.0", ind[2])

	cache := blockcache.Load(filepath.Join(f.dir, "block_cache.json"), zap.NewNop())
	assert.Equal(t, 9, cache.Len())
	e, ok := cache.Get(time.Date(2024, 9, 2, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, uint64(19), e.Block)
}

func TestRunIsIncremental(t *testing.T) {
	f := newFixture(t)
	_, err := f.app.Run(context.Background(), Params{AccountsFile: f.accounts})
	require.NoError(t, err)
	before := f.chain.calls()
	first := readLines(t, filepath.Join(f.dir, "wallets_history.csv"))

	report, err := f.app.Run(context.Background(), Params{AccountsFile: f.accounts})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Fetched)
	assert.Equal(t, before, f.chain.calls())
	assert.Equal(t, first, readLines(t, filepath.Join(f.dir, "wallets_history.csv")))

	// one more day later only the new date is fetched, its block comes from the search
	f.app.now = func() time.Time { return time.Date(2024, 9, 11, 1, 0, 0, 0, time.UTC) }
	report, err = f.app.Run(context.Background(), Params{AccountsFile: f.accounts})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fetched)
	assert.Equal(t, before+2, f.chain.calls())
	assert.Len(t, readLines(t, filepath.Join(f.dir, "wallets_history.csv")), 11)
}

func TestRunPartialAccountFailure(t *testing.T) {
	f := newFixture(t)
	f.chain.broken[bob] = true

	report, err := f.app.Run(context.Background(), Params{AccountsFile: f.accounts})
	require.NoError(t, err)
	assert.Len(t, report.AccountFailures, 9)
	assert.Equal(t, "bob", report.AccountFailures[0].Account.Name)

	lines := readLines(t, filepath.Join(f.dir, "wallets_history.csv"))
	require.Len(t, lines, 10)
	// without bob the total is unknown, so no diff is derived from it
	assert.Equal(t, "2024-09-02,19.0,,,,", lines[1])
	assert.Equal(t, "2024-09-03,43.0,,,,", lines[2])

	// bob comes back: only the gaps are fetched again
	f.chain.broken[bob] = false
	report, err = f.app.Run(context.Background(), Params{AccountsFile: f.accounts})
	require.NoError(t, err)
	assert.Equal(t, 9, report.Fetched)
	assert.Empty(t, report.AccountFailures)
	lines = readLines(t, filepath.Join(f.dir, "wallets_history.csv"))
	assert.Equal(t, "2024-09-02,19.0,38.0,57.0,,", lines[1])
}

func TestRunGenesisMismatch(t *testing.T) {
	f := newFixture(t)
	f.app.Config.Chain.ExpectedGenesis = "0xdeadbeef"

	_, err := f.app.Run(context.Background(), Params{AccountsFile: f.accounts})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGenesisMismatch)
	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageChain, se.Stage)

	_, statErr := os.Stat(filepath.Join(f.dir, "block_cache.json"))
	assert.True(t, os.IsNotExist(statErr))

	f.app.Config.Chain.ExpectedGenesis = strings.ToUpper(fmt.Sprintf("0x%064x", 0))
	_, err = f.app.Run(context.Background(), Params{AccountsFile: f.accounts})
	assert.NoError(t, err)
}

func TestRunSingleAddressWithGraph(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(f.dir, "custom", "mine.csv")
	report, err := f.app.Run(context.Background(), Params{
		Address: alice,
		Name:    "treasury",
		Start:   time.Date(2024, 9, 5, 0, 0, 0, 0, time.UTC),
		End:     time.Date(2024, 9, 7, 0, 0, 0, 0, time.UTC),
		Output:  out,
		Graph:   true,
	})
	require.NoError(t, err)
	assert.True(t, report.Complete())
	assert.Equal(t, 3, report.Fetched)
	assert.Contains(t, report.Files, filepath.Join(f.dir, "custom", "mine.svg"))
	assert.Contains(t, report.Files, filepath.Join(f.dir, "custom", "individual", "treasury.svg"))
	assert.Len(t, readLines(t, out), 4)
}

func TestRunResolveFailureKeepsPartialOutput(t *testing.T) {
	f := newFixture(t)
	f.chain.failAbove = 130

	report, err := f.app.Run(context.Background(), Params{AccountsFile: f.accounts})
	require.Error(t, err)
	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageResolve, se.Stage)
	assert.ErrorIs(t, err, rpc.ErrConnection)

	assert.GreaterOrEqual(t, report.Fetched, 1)
	lines := readLines(t, filepath.Join(f.dir, "wallets_history.csv"))
	assert.Equal(t, "2024-09-02,19.0,38.0,57.0,,", lines[1])
	cache := blockcache.Load(filepath.Join(f.dir, "block_cache.json"), zap.NewNop())
	assert.GreaterOrEqual(t, cache.Len(), 1)
}

func TestRunRequiresAccounts(t *testing.T) {
	f := newFixture(t)
	_, err := f.app.Run(context.Background(), Params{})
	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageAccounts, se.Stage)

	_, err = f.app.Run(context.Background(), Params{
		Address: alice,
		Start:   time.Date(2024, 9, 5, 0, 0, 0, 0, time.UTC),
		End:     time.Date(2024, 9, 4, 0, 0, 0, 0, time.UTC),
	})
	assert.Error(t, err)
}

func TestSetupSchedulerRejectsBadSpec(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.app.SetupScheduler(context.Background(), "not a schedule", Params{}))
	require.NoError(t, f.app.SetupScheduler(context.Background(), "@every 1h", Params{}))
	assert.Len(t, f.app.Cron.Entries(), 1)
}

func TestRunTracksRewards(t *testing.T) {
	f := newFixture(t)
	f.app.Config.Rewards.Disabled = false
	// head at 2024-09-09 13:00: the rewards of 09-09 end after the head
	f.chain.head = 200

	report, err := f.app.Run(context.Background(), Params{AccountsFile: f.accounts, Graph: true})
	require.NoError(t, err)
	assert.Equal(t, 7, report.Rewarded)
	assert.Equal(t, 1, report.RewardPending)
	assert.Empty(t, report.RewardFailures)
	assert.Contains(t, report.Files, filepath.Join(f.dir, "wallets_history_rewards.svg"))

	lines := readLines(t, filepath.Join(f.dir, "wallets_history.csv"))
	require.Len(t, lines, 9)
	assert.Equal(t, "date,alice,bob,total,diff,diff_avg10,alice_reward,bob_reward,total_reward,reward_avg10,total_reward_cumulative", lines[0])
	assert.Equal(t, "2024-09-02,19.0,38.0,57.0,,,0.2500,0.5000,0.7500,0.7500,0.7500", lines[1])
	assert.Equal(t, "2024-09-03,43.0,86.0,129.0,72.0,72.0,0.5000,1.0000,1.5000,1.1250,2.2500", lines[2])
	assert.Equal(t, "2024-09-09,187.0,374.0,561.0,72.0,72.0,,,,3.0000,", lines[8])

	ind := readLines(t, filepath.Join(f.dir, "individual", "alice.csv"))
	assert.Equal(t, "date,balance,diff,diff_avg10,reward,reward_avg10,reward_cumulative", ind[0])
	assert.Equal(t, "2024-09-03,43.0,24.0,24.0,0.5000,0.3750,0.7500", ind[2])

	rc := reward.LoadCache(filepath.Join(f.dir, "reward_cache.json"), zap.NewNop())
	v, ok := rc.Get(bob, time.Date(2024, 9, 3, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, "1", v.String())

	// nothing new on chain: finished rewards are not scanned again
	_, payouts := f.chain.rewardCalls()
	report, err = f.app.Run(context.Background(), Params{AccountsFile: f.accounts})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Rewarded)
	assert.Equal(t, 1, report.RewardPending)
	_, again := f.chain.rewardCalls()
	assert.Equal(t, payouts, again)

	// the chain moves past 09-10: the pending date and the new one are filled
	f.chain.head = 240
	report, err = f.app.Run(context.Background(), Params{AccountsFile: f.accounts})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Rewarded)
	assert.Equal(t, 0, report.RewardPending)
	lines = readLines(t, filepath.Join(f.dir, "wallets_history.csv"))
	require.Len(t, lines, 10)
	assert.Equal(t, "2024-09-09,187.0,374.0,561.0,72.0,72.0,2.0000,4.0000,6.0000,3.3750,27.0000", lines[8])

	// a lost history file is rebuilt from the caches without scanning
	require.NoError(t, os.Remove(filepath.Join(f.dir, "wallets_history.csv")))
	eras, _ := f.chain.rewardCalls()
	report, err = f.app.Run(context.Background(), Params{AccountsFile: f.accounts})
	require.NoError(t, err)
	assert.Equal(t, 9, report.Rewarded)
	afterEras, _ := f.chain.rewardCalls()
	assert.Equal(t, eras, afterEras)
	assert.Equal(t, lines, readLines(t, filepath.Join(f.dir, "wallets_history.csv")))
}

func TestRunRewardFailureLeavesGap(t *testing.T) {
	f := newFixture(t)
	f.app.Config.Rewards.Disabled = false
	f.chain.head = 200
	// the 09-03 midnight block: both 09-02 and 09-03 need it
	f.chain.eraFail = 43

	report, err := f.app.Run(context.Background(), Params{AccountsFile: f.accounts})
	require.NoError(t, err)
	require.Len(t, report.RewardFailures, 2)
	assert.ErrorIs(t, report.RewardFailures[0], rpc.ErrTransient)
	assert.Equal(t, 5, report.Rewarded)
	assert.False(t, report.Complete())

	lines := readLines(t, filepath.Join(f.dir, "wallets_history.csv"))
	assert.Equal(t, "2024-09-02,19.0,38.0,57.0,,,,,,,", lines[1])
	assert.Equal(t, "2024-09-04,67.0,134.0,201.0,72.0,72.0,0.7500,1.5000,2.2500,2.2500,2.2500", lines[3])

	f.chain.eraFail = 0
	report, err = f.app.Run(context.Background(), Params{AccountsFile: f.accounts})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Rewarded)
	assert.Empty(t, report.RewardFailures)
}

func TestRunReportsRecoveredCache(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "block_cache.json"), []byte("{not json"), 0o644))

	report, err := f.app.Run(context.Background(), Params{AccountsFile: f.accounts})
	require.NoError(t, err)
	assert.True(t, report.CacheRecovered)
	assert.Equal(t, 9, report.Fetched)

	report, err = f.app.Run(context.Background(), Params{AccountsFile: f.accounts})
	require.NoError(t, err)
	assert.False(t, report.CacheRecovered)
}
