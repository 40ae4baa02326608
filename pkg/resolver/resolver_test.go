package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/canopy-network/balancex/pkg/blockcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var genesis = time.Date(2024, 8, 29, 9, 30, 0, 0, time.UTC)

// fakeChain derives block timestamps from a slice; ts[0] is block 0.
type fakeChain struct {
	ts       []uint64
	lookups  int
	failFrom int // BlockHash fails once lookups reach this value (0 = never)
}

func (f *fakeChain) LatestBlockNumber(context.Context) (uint64, error) {
	return uint64(len(f.ts) - 1), nil
}

func (f *fakeChain) BlockHash(_ context.Context, n uint64) (string, error) {
	f.lookups++
	if f.failFrom > 0 && f.lookups >= f.failFrom {
		return "", errors.New("connection reset")
	}
	if n >= uint64(len(f.ts)) {
		return "", fmt.Errorf("block %d: not found", n)
	}
	return fmt.Sprintf("0x%064x", n), nil
}

func (f *fakeChain) BlockTimestamp(_ context.Context, hash string) (uint64, error) {
	var n uint64
	if _, err := fmt.Sscanf(hash, "0x%x", &n); err != nil {
		return 0, err
	}
	return f.ts[n], nil
}

// uniformChain produces blocks every step starting at genesis, for the given duration.
func uniformChain(step, span time.Duration) *fakeChain {
	n := int(span / step)
	ts := make([]uint64, n+1)
	for i := 1; i <= n; i++ {
		ts[i] = uint64(genesis.Add(time.Duration(i-1) * step).UnixMilli())
	}
	return &fakeChain{ts: ts}
}

// irregularChain mixes 6s and 60s blocks and some stalls so interpolation misses often.
func irregularChain(n int) *fakeChain {
	ts := make([]uint64, n+1)
	cur := uint64(genesis.UnixMilli())
	for i := 1; i <= n; i++ {
		ts[i] = cur
		switch {
		case i%5000 < 1000:
			cur += 60_000
		case i%777 == 0:
			// several blocks share a timestamp
		default:
			cur += 6_000
		}
	}
	return &fakeChain{ts: ts}
}

// expected is the brute force answer: largest b >= 1 with ts[b] <= target.
func expected(f *fakeChain, target uint64) uint64 {
	idx := sort.Search(len(f.ts)-1, func(i int) bool { return f.ts[i+1] > target })
	return uint64(idx)
}

func TestResolveMatchesBruteForce(t *testing.T) {
	chains := map[string]*fakeChain{
		"uniform":   uniformChain(15*time.Second, 40*24*time.Hour),
		"irregular": irregularChain(400_000),
	}
	for name, chain := range chains {
		t.Run(name, func(t *testing.T) {
			r := New(chain, nil, zap.NewNop())
			head := chain.ts[len(chain.ts)-1]
			for d := Midnight(genesis).AddDate(0, 0, 1); uint64(d.UnixMilli()) <= head; d = d.AddDate(0, 0, 1) {
				target := uint64(d.UnixMilli())
				e, err := r.Resolve(context.Background(), d)
				require.NoError(t, err, d)
				want := expected(chain, target)
				require.Equal(t, want, e.Block, "date %s", d.Format(time.DateOnly))
				assert.LessOrEqual(t, chain.ts[e.Block], target)
				if int(e.Block)+1 < len(chain.ts) {
					assert.Greater(t, chain.ts[e.Block+1], target)
				}
				assert.Equal(t, fmt.Sprintf("0x%064x", e.Block), e.Hash)
			}
		})
	}
}

func TestResolveExactMidnightCollision(t *testing.T) {
	chain := uniformChain(15*time.Second, 5*24*time.Hour)
	// shift block 8000 onto midnight of the second day, keeping its successors 15s apart
	day := Midnight(genesis).AddDate(0, 0, 2)
	target := uint64(day.UnixMilli())
	require.Less(t, chain.ts[8000], target)
	for i := 8000; i < len(chain.ts); i++ {
		chain.ts[i] = target + uint64(i-8000)*15_000
	}

	e, err := New(chain, nil, zap.NewNop()).Resolve(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, uint64(8000), e.Block)
}

func TestResolveOutOfRange(t *testing.T) {
	chain := uniformChain(15*time.Second, 3*24*time.Hour)
	r := New(chain, nil, zap.NewNop())

	// genesis happens at 09:30, so midnight of the genesis day has no block yet
	_, err := r.Resolve(context.Background(), genesis)
	assert.ErrorIs(t, err, ErrBeforeGenesis)

	_, err = r.Resolve(context.Background(), genesis.AddDate(0, 0, 10))
	assert.ErrorIs(t, err, ErrFutureDate)
}

func TestResolveUsesCache(t *testing.T) {
	chain := uniformChain(15*time.Second, 3*24*time.Hour)
	cache := blockcache.New()
	day := Midnight(genesis).AddDate(0, 0, 1)
	cache.Put(blockcache.Entry{Date: day, Block: 42, Hash: "0xcached"})

	e, err := New(chain, cache, zap.NewNop()).Resolve(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), e.Block)
	assert.Equal(t, 0, chain.lookups)
}

func TestResolveStoresInCache(t *testing.T) {
	chain := uniformChain(15*time.Second, 3*24*time.Hour)
	cache := blockcache.New()
	day := Midnight(genesis).AddDate(0, 0, 2)

	e, err := New(chain, cache, zap.NewNop()).Resolve(context.Background(), day)
	require.NoError(t, err)
	cached, ok := cache.Get(day)
	require.True(t, ok)
	assert.Equal(t, e.Block, cached.Block)
	assert.Equal(t, e.Hash, cached.Hash)
	assert.True(t, cached.Date.Equal(day))
}

func TestResolveRangeReusesBracket(t *testing.T) {
	chain := uniformChain(15*time.Second, 200*24*time.Hour)
	var dates []time.Time
	for i := 1; i <= 150; i++ {
		dates = append(dates, Midnight(genesis).AddDate(0, 0, i))
	}
	r := New(chain, nil, zap.NewNop())
	entries, failures, err := r.ResolveRange(context.Background(), dates)
	require.NoError(t, err)
	assert.Empty(t, failures)
	require.Len(t, entries, 150)
	for i := 1; i < len(entries); i++ {
		assert.Greater(t, entries[i].Block, entries[i-1].Block)
	}
	// a uniform chain needs only a handful of timestamp lookups per day
	assert.Less(t, r.Lookups(), 150*6)
}

func TestResolveRangeSkipsOutOfRangeDates(t *testing.T) {
	chain := uniformChain(15*time.Second, 3*24*time.Hour)
	dates := []time.Time{
		genesis.AddDate(0, 0, 30),
		Midnight(genesis),
		Midnight(genesis).AddDate(0, 0, 1),
		Midnight(genesis).AddDate(0, 0, 1), // duplicate
	}
	entries, failures, err := New(chain, nil, zap.NewNop()).ResolveRange(context.Background(), dates)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Len(t, failures, 2)
	assert.ErrorIs(t, failures[0], ErrBeforeGenesis)
	assert.ErrorIs(t, failures[1], ErrFutureDate)
}

func TestResolveRangeAbortsOnChainFailure(t *testing.T) {
	chain := uniformChain(15*time.Second, 10*24*time.Hour)
	chain.failFrom = 3
	dates := []time.Time{Midnight(genesis).AddDate(0, 0, 1), Midnight(genesis).AddDate(0, 0, 5)}

	_, _, err := New(chain, nil, zap.NewNop()).ResolveRange(context.Background(), dates)
	require.Error(t, err)
	assert.False(t, PerDate(err))
}

func TestCachedNeighboursNarrowSearch(t *testing.T) {
	chain := uniformChain(15*time.Second, 30*24*time.Hour)
	cache := blockcache.New()
	r := New(chain, cache, zap.NewNop())
	day := func(i int) time.Time { return Midnight(genesis).AddDate(0, 0, i) }

	for _, i := range []int{10, 12} {
		_, err := r.Resolve(context.Background(), day(i))
		require.NoError(t, err)
	}

	fresh := New(chain, cache, zap.NewNop())
	e, err := fresh.Resolve(context.Background(), day(11))
	require.NoError(t, err)
	assert.Equal(t, expected(chain, uint64(day(11).UnixMilli())), e.Block)
}

func TestInterpolateStaysInsideBracket(t *testing.T) {
	lo := point{block: 10, ts: 1000}
	hi := point{block: 20, ts: 2000}
	assert.Equal(t, uint64(15), interpolate(lo, hi, 1500))
	assert.Equal(t, uint64(11), interpolate(lo, hi, 1000))
	assert.Equal(t, uint64(19), interpolate(lo, hi, 1999))
}
