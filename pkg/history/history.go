// Package history merges daily balance rows and reads and writes the history files.
package history

import (
	"sort"
	"time"

	"github.com/canopy-network/balancex/pkg/blockcache"
	"github.com/shopspring/decimal"
)

// AvgWindow is the number of rows, current included, averaged into DiffAvg10 and RewardAvg10.
const AvgWindow = 10

// Row is the history of one date. Balances and Rewards are keyed by account name; an absent
// name is a missing value. The remaining fields are derived by Recompute and are null when a
// value they depend on is missing.
type Row struct {
	Date      time.Time
	Balances  map[string]decimal.Decimal
	Total     decimal.NullDecimal
	Diff      decimal.NullDecimal
	DiffAvg10 decimal.NullDecimal

	Rewards          map[string]decimal.Decimal
	TotalReward      decimal.NullDecimal
	RewardAvg10      decimal.NullDecimal
	RewardCumulative decimal.NullDecimal
}

// NewRow builds a row for date from per-account amounts.
func NewRow(date time.Time, balances map[string]decimal.Decimal) Row {
	return Row{Date: day(date), Balances: clone(balances)}
}

func clone(m map[string]decimal.Decimal) map[string]decimal.Decimal {
	if m == nil {
		return nil
	}
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Merge folds fresh rows into existing ones. A date present in both takes the fresh row's
// balances; its rewards too unless the fresh row carries none. The result is sorted by date and
// recomputed over names (every name in the rows when nil); inputs are not modified.
func Merge(existing, fresh []Row, names []string) []Row {
	byDate := make(map[string]Row, len(existing)+len(fresh))
	for _, r := range existing {
		byDate[blockcache.Key(r.Date)] = r
	}
	for _, r := range fresh {
		k := blockcache.Key(r.Date)
		if old, ok := byDate[k]; ok && r.Rewards == nil {
			r.Rewards = old.Rewards
		}
		byDate[k] = r
	}
	out := make([]Row, 0, len(byDate))
	for _, r := range byDate {
		r.Date = day(r.Date)
		r.Balances = clone(r.Balances)
		r.Rewards = clone(r.Rewards)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return Recompute(out, names)
}

// Recompute derives the totals, diffs and averages of rows in place and returns them. rows must
// be sorted by date; names are the tracked accounts, every name in rows when nil.
//
// Total is the sum over names and is null when any of them has no balance; Diff is null unless
// the row and the one before both have a total. DiffAvg10 averages the non-null diffs among the
// current row and the AvgWindow-1 before it. The reward columns follow the same rules, with
// RewardCumulative the running sum of the non-null reward totals up to the row.
func Recompute(rows []Row, names []string) []Row {
	if names == nil {
		names = Names(rows)
	}
	cumulative := decimal.Zero
	for i := range rows {
		rows[i].Total = sum(rows[i].Balances, names)
		rows[i].Diff = decimal.NullDecimal{}
		if i > 0 && rows[i].Total.Valid && rows[i-1].Total.Valid {
			rows[i].Diff = decimal.NewNullDecimal(rows[i].Total.Decimal.Sub(rows[i-1].Total.Decimal))
		}
		rows[i].DiffAvg10 = average(rows, i, func(r Row) decimal.NullDecimal { return r.Diff })

		rows[i].TotalReward = sum(rows[i].Rewards, names)
		rows[i].RewardAvg10 = average(rows, i, func(r Row) decimal.NullDecimal { return r.TotalReward })
		rows[i].RewardCumulative = decimal.NullDecimal{}
		if rows[i].TotalReward.Valid {
			cumulative = cumulative.Add(rows[i].TotalReward.Decimal)
			rows[i].RewardCumulative = decimal.NewNullDecimal(cumulative)
		}
	}
	return rows
}

func sum(m map[string]decimal.Decimal, names []string) decimal.NullDecimal {
	total := decimal.Zero
	for _, n := range names {
		v, ok := m[n]
		if !ok {
			return decimal.NullDecimal{}
		}
		total = total.Add(v)
	}
	return decimal.NewNullDecimal(total)
}

func average(rows []Row, i int, field func(Row) decimal.NullDecimal) decimal.NullDecimal {
	total, n := decimal.Zero, 0
	for j := max(0, i-AvgWindow+1); j <= i; j++ {
		if v := field(rows[j]); v.Valid {
			total = total.Add(v.Decimal)
			n++
		}
	}
	if n == 0 {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(total.Div(decimal.NewFromInt(int64(n))))
}

// Names returns every account name that has a balance or a reward in rows, sorted.
func Names(rows []Row) []string {
	seen := map[string]bool{}
	for _, r := range rows {
		for k := range r.Balances {
			seen[k] = true
		}
		for k := range r.Rewards {
			seen[k] = true
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// NeedsFetch returns the dates, in input order, for which some account in names has no value.
// With refetchZero, dates where every account is zero are returned too.
func NeedsFetch(rows []Row, names []string, dates []time.Time, refetchZero bool) []time.Time {
	byDate := index(rows)
	var out []time.Time
	for _, d := range dates {
		r, ok := byDate[blockcache.Key(d)]
		if !ok {
			out = append(out, d)
			continue
		}
		missing, allZero := false, true
		for _, n := range names {
			v, ok := r.Balances[n]
			if !ok {
				missing = true
				break
			}
			if !v.IsZero() {
				allZero = false
			}
		}
		if missing || (refetchZero && allZero) {
			out = append(out, d)
		}
	}
	return out
}

// NeedsReward returns the dates, in input order, for which some account in names has no
// reward.
func NeedsReward(rows []Row, names []string, dates []time.Time) []time.Time {
	byDate := index(rows)
	var out []time.Time
	for _, d := range dates {
		r := byDate[blockcache.Key(d)]
		for _, n := range names {
			if _, ok := r.Rewards[n]; !ok {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

func index(rows []Row) map[string]Row {
	byDate := make(map[string]Row, len(rows))
	for _, r := range rows {
		byDate[blockcache.Key(r.Date)] = r
	}
	return byDate
}
