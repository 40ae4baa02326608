// Package reward derives daily staking rewards of tracked accounts from the era payouts
// recorded on chain.
//
// The reward of a date is what the accounts earned in the eras that ended between its midnight
// and the next one: the active era at the date's block up to, but excluding, the active era at
// the next date's block.
package reward

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
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultConcurrency is the number of dates scanned at once when none is configured.
const DefaultConcurrency = 4

// Staking is the part of the chain connector the scanner needs.
type Staking interface {
	ActiveEra(ctx context.Context, hash string) (uint32, error)
	EraPayout(ctx context.Context, era uint32, hash string) (rpc.EraPayout, error)
}

// Span is the block range of one date: the blocks resolved for the date and for the day after.
type Span struct {
	Date time.Time
	From blockcache.Entry
	To   blockcache.Entry
}

// Result is the reward of every account for one date, in planck, keyed by address.
type Result struct {
	Date    time.Time
	Eras    []uint32
	Amounts map[string]decimal.Decimal
}

// Failure records a date whose reward could not be read.
type Failure struct {
	Date time.Time
	Err  error
}

func (f Failure) Error() string {
	return fmt.Sprintf("reward %s: %v", blockcache.Key(f.Date), f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Split returns the share of payout earned by each account in ids, in planck. A validator
// keeps its commission plus the part of the rest matching its own stake; nominators get the
// rest in proportion to their stake.
func Split(p rpc.EraPayout, ids map[[32]byte]string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(ids))
	for _, addr := range ids {
		out[addr] = decimal.Zero
	}
	if p.Reward == nil || p.Reward.IsZero() || p.TotalPoints == 0 {
		return out
	}
	reward := decimal.NewFromBigInt(p.Reward.ToBig(), 0)
	totalPoints := decimal.NewFromInt(int64(p.TotalPoints))
	perbill := decimal.NewFromInt(rpc.PerbillUnit)

	for _, v := range p.Validators {
		if v.Total == nil || v.Total.IsZero() {
			continue
		}
		share := reward.Mul(decimal.NewFromInt(int64(v.Points))).Div(totalPoints)
		commission := decimal.NewFromInt(int64(v.Commission)).Div(perbill)
		toStakers := share.Mul(decimal.NewFromInt(1).Sub(commission))
		total := decimal.NewFromBigInt(v.Total.ToBig(), 0)

		if addr, ok := ids[v.Validator]; ok {
			own := decimal.Zero
			if v.Own != nil {
				own = decimal.NewFromBigInt(v.Own.ToBig(), 0)
			}
			out[addr] = out[addr].Add(share.Mul(commission)).Add(toStakers.Mul(own).Div(total))
		}
		for _, n := range v.Nominators {
			addr, ok := ids[n.Who]
			if !ok || n.Value == nil {
				continue
			}
			stake := decimal.NewFromBigInt(n.Value.ToBig(), 0)
			out[addr] = out[addr].Add(toStakers.Mul(stake).Div(total))
		}
	}
	return out
}

// Scanner reads era payouts for spans of blocks on a bounded pond pool. Payouts of finished eras
// never change and are kept for the scanner's lifetime.
type Scanner struct {
	staking Staking
	pool    pond.Pool
	logger  *zap.Logger
	payouts *xsync.Map[uint32, rpc.EraPayout]
}

// NewScanner creates a scanner working on at most concurrency dates at once.
func NewScanner(s Staking, concurrency int, logger *zap.Logger) *Scanner {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		staking: s,
		pool:    pond.NewPool(concurrency),
		logger:  logger,
		payouts: xsync.NewMap[uint32, rpc.EraPayout](),
	}
}

// Close waits for running scans and stops the pool.
func (s *Scanner) Close() {
	s.pool.StopAndWait()
}

// Scan computes the rewards of accts for every span. Results are ordered by date; a span that
// failed is reported in the failures and left out. The only error returned is the context's.
func (s *Scanner) Scan(ctx context.Context, accts []accounts.Account, spans []Span) ([]Result, []Failure, error) {
	ids := make(map[[32]byte]string, len(accts))
	for _, a := range accts {
		id, err := rpc.AccountID(a.Address)
		if err != nil {
			return nil, nil, fmt.Errorf("account %s: %w", a.Name, err)
		}
		ids[id] = a.Address
	}

	type slot struct {
		res Result
		err error
	}
	slots := make([]slot, len(spans))

	group := s.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i, sp := range spans {
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				slots[i].err = err
				return
			}
			res, err := s.span(groupCtx, sp, ids)
			slots[i] = slot{res: res, err: err}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		s.logger.Warn("reward scan group failed", zap.Error(err))
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var (
		results  []Result
		failures []Failure
	)
	for i, sl := range slots {
		if sl.err != nil {
			s.logger.Warn("reward scan failed", zap.String("date", blockcache.Key(spans[i].Date)), zap.Error(sl.err))
			failures = append(failures, Failure{Date: spans[i].Date, Err: sl.err})
			continue
		}
		results = append(results, sl.res)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Date.Before(results[j].Date) })
	return results, failures, nil
}

func (s *Scanner) span(ctx context.Context, sp Span, ids map[[32]byte]string) (Result, error) {
	res := Result{Date: sp.Date, Amounts: make(map[string]decimal.Decimal, len(ids))}
	for _, addr := range ids {
		res.Amounts[addr] = decimal.Zero
	}

	from, err := s.staking.ActiveEra(ctx, sp.From.Hash)
	if err != nil {
		return res, fmt.Errorf("active era at block %d: %w", sp.From.Block, err)
	}
	to, err := s.staking.ActiveEra(ctx, sp.To.Hash)
	if err != nil {
		return res, fmt.Errorf("active era at block %d: %w", sp.To.Block, err)
	}

	for era := from; era < to; era++ {
		p, ok := s.payouts.Load(era)
		if !ok {
			if p, err = s.staking.EraPayout(ctx, era, sp.To.Hash); err != nil {
				return res, fmt.Errorf("era %d payout: %w", era, err)
			}
			s.payouts.Store(era, p)
		}
		for addr, v := range Split(p, ids) {
			res.Amounts[addr] = res.Amounts[addr].Add(v)
		}
		res.Eras = append(res.Eras, era)
	}
	s.logger.Debug("rewards scanned",
		zap.String("date", blockcache.Key(sp.Date)),
		zap.Uint32("fromEra", from),
		zap.Uint32("toEra", to))
	return res, nil
}
