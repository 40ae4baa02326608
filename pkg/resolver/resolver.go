// Package resolver maps calendar dates to the last block produced at or before UTC midnight.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"time"

	"github.com/canopy-network/balancex/pkg/blockcache"
	"go.uber.org/zap"
)

var (
	// ErrBeforeGenesis means midnight of the date precedes the first timestamped block.
	ErrBeforeGenesis = errors.New("date before genesis")
	// ErrFutureDate means midnight of the date is after the finalized head.
	ErrFutureDate = errors.New("date after chain head")
)

// Chain is the subset of the chain connector the resolver needs.
type Chain interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	BlockHash(ctx context.Context, n uint64) (string, error)
	BlockTimestamp(ctx context.Context, hash string) (uint64, error)
}

type point struct {
	block uint64
	ts    uint64
	hash  string
}

// Resolver searches block timestamps. It is meant for sequential use by one goroutine: the
// head, the first block and the last resolved block are kept as search anchors.
type Resolver struct {
	chain  Chain
	cache  *blockcache.Cache
	logger *zap.Logger

	// FirstBlock is the lowest block carrying a timestamp (block 0 has none on Substrate).
	FirstBlock uint64

	first *point
	head  *point
	last  *point

	lookups int
}

// New builds a resolver. cache may be nil.
func New(chain Chain, cache *blockcache.Cache, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{chain: chain, cache: cache, logger: logger, FirstBlock: 1}
}

// Lookups is the number of block timestamps inspected by searches so far.
func (r *Resolver) Lookups() int {
	return r.lookups
}

// Midnight returns 00:00:00 UTC of date's calendar day.
func Midnight(date time.Time) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (r *Resolver) at(ctx context.Context, n uint64) (point, error) {
	hash, err := r.chain.BlockHash(ctx, n)
	if err != nil {
		return point{}, err
	}
	ts, err := r.chain.BlockTimestamp(ctx, hash)
	if err != nil {
		return point{}, fmt.Errorf("timestamp of block %d: %w", n, err)
	}
	r.lookups++
	return point{block: n, ts: ts, hash: hash}, nil
}

func (r *Resolver) bounds(ctx context.Context) (point, point, error) {
	if r.head == nil {
		n, err := r.chain.LatestBlockNumber(ctx)
		if err != nil {
			return point{}, point{}, fmt.Errorf("chain head: %w", err)
		}
		p, err := r.at(ctx, n)
		if err != nil {
			return point{}, point{}, err
		}
		r.head = &p
	}
	if r.first == nil {
		p, err := r.at(ctx, r.FirstBlock)
		if err != nil {
			return point{}, point{}, fmt.Errorf("first block: %w", err)
		}
		r.first = &p
	}
	return *r.first, *r.head, nil
}

// Resolve returns the block for date, from the cache when present. Fresh results are stored
// in the cache.
func (r *Resolver) Resolve(ctx context.Context, date time.Time) (blockcache.Entry, error) {
	day := Midnight(date)
	if r.cache != nil {
		if e, ok := r.cache.Get(day); ok {
			return e, nil
		}
	}

	target := uint64(day.UnixMilli())
	first, head, err := r.bounds(ctx)
	if err != nil {
		return blockcache.Entry{}, err
	}
	if day.UnixMilli() < 0 || target < first.ts {
		return blockcache.Entry{}, fmt.Errorf("%s: %w", blockcache.Key(day), ErrBeforeGenesis)
	}
	if target > head.ts {
		return blockcache.Entry{}, fmt.Errorf("%s: %w", blockcache.Key(day), ErrFutureDate)
	}

	lo, hi := first, head
	if target == head.ts {
		lo = head
	}
	lo, hi, err = r.narrow(ctx, day, target, lo, hi)
	if err != nil {
		return blockcache.Entry{}, err
	}

	found, err := r.search(ctx, target, lo, hi)
	if err != nil {
		return blockcache.Entry{}, fmt.Errorf("resolve %s: %w", blockcache.Key(day), err)
	}
	r.last = &found

	e := blockcache.Entry{Date: day, Block: found.block, Hash: found.hash}
	if r.cache != nil {
		r.cache.Put(e)
	}
	r.logger.Debug("resolved date",
		zap.String("date", blockcache.Key(day)),
		zap.Uint64("block", found.block),
		zap.Uint64("block_ts", found.ts))
	return e, nil
}

// narrow tightens [lo, hi] with the previously resolved block and the nearest cached dates.
// The invariant ts(lo) <= target < ts(hi) holds unless lo == hi.
func (r *Resolver) narrow(ctx context.Context, day time.Time, target uint64, lo, hi point) (point, point, error) {
	if lo.block == hi.block {
		return lo, hi, nil
	}
	if r.last != nil {
		if r.last.ts <= target && r.last.block > lo.block {
			lo = *r.last
		} else if r.last.ts > target && r.last.block < hi.block {
			hi = *r.last
		}
	}
	if r.cache == nil {
		return lo, hi, nil
	}

	// A cached day before ours resolved to a block at or before its midnight, hence before
	// ours. A cached day after ours resolved to b where ts(b+1) is past its midnight, hence
	// past ours.
	var below, above *blockcache.Entry
	for _, e := range r.cache.Entries() {
		switch {
		case e.Date.Before(day):
			below = &e
		case e.Date.After(day) && above == nil:
			above = &e
		}
	}
	if below != nil && below.Block > lo.block && below.Block < hi.block {
		p, err := r.at(ctx, below.Block)
		if err != nil {
			return lo, hi, err
		}
		if p.ts <= target {
			lo = p
		}
	}
	if above != nil && above.Block+1 < hi.block && above.Block+1 > lo.block {
		p, err := r.at(ctx, above.Block+1)
		if err != nil {
			return lo, hi, err
		}
		if p.ts > target {
			hi = p
		}
	}
	return lo, hi, nil
}

// search runs interpolation search on ts(lo) <= target < ts(hi). A step that leaves more than
// half of the bracket in place is followed by a bisection step, which bounds the cost on
// stretches of irregular block times.
func (r *Resolver) search(ctx context.Context, target uint64, lo, hi point) (point, error) {
	bisect := false
	for hi.block > lo.block+1 {
		if err := ctx.Err(); err != nil {
			return point{}, err
		}
		span := hi.block - lo.block

		var mid uint64
		if bisect || hi.ts <= lo.ts {
			mid = lo.block + span/2
		} else {
			mid = interpolate(lo, hi, target)
		}

		p, err := r.at(ctx, mid)
		if err != nil {
			return point{}, err
		}
		if p.ts <= target {
			lo = p
		} else {
			hi = p
		}

		if bisect {
			bisect = false
		} else {
			bisect = (hi.block - lo.block) > span/2
		}
	}
	return lo, nil
}

// interpolate estimates the block reaching target, clamped strictly inside (lo, hi).
func interpolate(lo, hi point, target uint64) uint64 {
	// (target-ts_lo) * (hi-lo) / (ts_hi-ts_lo) without overflow
	num1, num0 := bits.Mul64(target-lo.ts, hi.block-lo.block)
	den := hi.ts - lo.ts
	var q uint64
	if num1 < den {
		q, _ = bits.Div64(num1, num0, den)
	} else {
		q = hi.block - lo.block
	}
	mid := lo.block + q
	if mid <= lo.block {
		mid = lo.block + 1
	}
	if mid >= hi.block {
		mid = hi.block - 1
	}
	return mid
}

// DateFailure records a date that could not be resolved.
type DateFailure struct {
	Date time.Time
	Err  error
}

func (f DateFailure) Error() string {
	return fmt.Sprintf("%s: %v", blockcache.Key(f.Date), f.Err)
}

func (f DateFailure) Unwrap() error { return f.Err }

// PerDate reports whether err only concerns a single date and the run may go on.
func PerDate(err error) bool {
	return errors.Is(err, ErrBeforeGenesis) || errors.Is(err, ErrFutureDate)
}

// ResolveRange resolves dates in ascending order so each search starts from the previous
// block. Out-of-range dates are returned as failures; any other error aborts.
func (r *Resolver) ResolveRange(ctx context.Context, dates []time.Time) ([]blockcache.Entry, []DateFailure, error) {
	entries := make([]blockcache.Entry, 0, len(dates))
	var failures []DateFailure
	for _, d := range sortedDays(dates) {
		e, err := r.Resolve(ctx, d)
		if err != nil {
			if PerDate(err) {
				r.logger.Warn("skipping date", zap.String("date", blockcache.Key(d)), zap.Error(err))
				failures = append(failures, DateFailure{Date: d, Err: err})
				continue
			}
			return entries, failures, err
		}
		entries = append(entries, e)
	}
	return entries, failures, nil
}

func sortedDays(dates []time.Time) []time.Time {
	seen := make(map[string]bool, len(dates))
	out := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		d = Midnight(d)
		if k := blockcache.Key(d); !seen[k] {
			seen[k] = true
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
