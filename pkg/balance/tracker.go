// Package balance queries account balances at resolved blocks on a bounded worker pool.
package balance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/balancex/pkg/accounts"
	"github.com/canopy-network/balancex/pkg/blockcache"
	"github.com/canopy-network/balancex/pkg/rpc"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultConcurrency is the worker ceiling when none is configured.
const DefaultConcurrency = 20

// Querier is the part of the chain connector the tracker needs.
type Querier interface {
	Balance(ctx context.Context, address, hash string) (rpc.AccountBalance, error)
}

// Snapshot is the state of one account at one block, in planck.
type Snapshot struct {
	Address  string
	Date     time.Time
	Block    uint64
	Free     *uint256.Int
	Reserved *uint256.Int
	Frozen   *uint256.Int
}

// AccountQueryFailure records an account whose balance could not be read for a date once the
// connector gave up.
type AccountQueryFailure struct {
	Account accounts.Account
	Date    time.Time
	Err     error
}

func (f AccountQueryFailure) Error() string {
	return fmt.Sprintf("%s (%s) on %s: %v", f.Account.Name, f.Account.Address, blockcache.Key(f.Date), f.Err)
}

func (f AccountQueryFailure) Unwrap() error { return f.Err }

// Result holds the balances of a batch of accounts at one date. Snapshots is indexed like
// Accounts; a nil slot is a failed query.
type Result struct {
	Date      time.Time
	Block     uint64
	Hash      string
	Accounts  []accounts.Account
	Snapshots []*Snapshot
	Failures  []AccountQueryFailure
}

// ByAddress returns the successful snapshots keyed by address.
func (r Result) ByAddress() map[string]Snapshot {
	out := make(map[string]Snapshot, len(r.Snapshots))
	for _, s := range r.Snapshots {
		if s != nil {
			out[s.Address] = *s
		}
	}
	return out
}

// Amounts returns the display amount per account name. Failed accounts are absent.
func (r Result) Amounts(p Policy, decimals int32) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(r.Accounts))
	for i, s := range r.Snapshots {
		if s != nil {
			out[r.Accounts[i].Name] = Units(p.Amount(*s), decimals)
		}
	}
	return out
}

// Tracker fans balance queries out over a pond pool.
type Tracker struct {
	querier Querier
	pool    pond.Pool
	logger  *zap.Logger
}

// NewTracker creates a tracker with at most concurrency queries in flight.
func NewTracker(q Querier, concurrency int, logger *zap.Logger) *Tracker {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		querier: q,
		pool:    pond.NewPool(concurrency),
		logger:  logger,
	}
}

// Close waits for queued queries and stops the pool.
func (t *Tracker) Close() {
	t.pool.StopAndWait()
}

type slot struct {
	bal  rpc.AccountBalance
	err  error
	done bool
}

// FetchAll queries every account at the block of entry.
func (t *Tracker) FetchAll(ctx context.Context, accts []accounts.Account, entry blockcache.Entry) (Result, error) {
	results, err := t.FetchDates(ctx, accts, []blockcache.Entry{entry})
	if err != nil {
		return Result{}, err
	}
	return results[0], nil
}

// FetchDates queries every account at every entry through the same pool and returns one
// Result per entry, ordered by date. Failed accounts are reported in Result.Failures; the only
// error returned is the context's.
func (t *Tracker) FetchDates(ctx context.Context, accts []accounts.Account, entries []blockcache.Entry) ([]Result, error) {
	entries = append([]blockcache.Entry(nil), entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Date.Before(entries[j].Date) })

	n := len(accts)
	// each job owns exactly one slot of the arena
	arena := make([]slot, len(entries)*n)

	group := t.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i, e := range entries {
		for j, a := range accts {
			idx := i*n + j
			group.Submit(func() {
				if err := groupCtx.Err(); err != nil {
					return
				}
				bal, err := t.querier.Balance(groupCtx, a.Address, e.Hash)
				arena[idx] = slot{bal: bal, err: err, done: true}
			})
		}
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		t.logger.Warn("balance fetch group failed", zap.Error(err))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := make([]Result, len(entries))
	for i, e := range entries {
		r := Result{
			Date:      e.Date,
			Block:     e.Block,
			Hash:      e.Hash,
			Accounts:  accts,
			Snapshots: make([]*Snapshot, n),
		}
		for j, a := range accts {
			s := arena[i*n+j]
			if !s.done || s.err != nil {
				err := s.err
				if err == nil {
					err = errors.New("query not run")
				}
				r.Failures = append(r.Failures, AccountQueryFailure{Account: a, Date: e.Date, Err: err})
				t.logger.Warn("balance query failed",
					zap.String("account", a.Name),
					zap.String("date", blockcache.Key(e.Date)),
					zap.Error(err))
				continue
			}
			r.Snapshots[j] = &Snapshot{
				Address:  a.Address,
				Date:     e.Date,
				Block:    e.Block,
				Free:     s.bal.Free,
				Reserved: s.bal.Reserved,
				Frozen:   s.bal.Frozen,
			}
		}
		results[i] = r
	}
	return results, nil
}
