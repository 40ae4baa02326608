package history

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/canopy-network/balancex/pkg/accounts"
	"github.com/canopy-network/balancex/pkg/blockcache"
	"github.com/canopy-network/balancex/pkg/utils"
	"github.com/shopspring/decimal"
)

const (
	// Places is the number of decimals written for balances.
	Places = 1
	// RewardPlaces is the number of decimals written for rewards.
	RewardPlaces = 4
)

const (
	colDate             = "date"
	colTotal            = "total"
	colDiff             = "diff"
	colDiffAvg10        = "diff_avg10"
	colBalance          = "balance"
	colReward           = "reward"
	colTotalReward      = "total_reward"
	colRewardAvg10      = "reward_avg10"
	colRewardCumulative = "reward_cumulative"
	colTotalCumulative  = "total_reward_cumulative"
)

// IndividualDir is the subdirectory holding per-account files.
const IndividualDir = "individual"

// ReadCSV loads a combined history file. A missing file is an empty history. A column named
// <name>_reward holds the rewards of account name; the derived columns are recomputed by Merge,
// not read, and every other column is an account balance. Blank cells are missing values.
func ReadCSV(path string) ([]Row, []string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return parseCSV(f)
}

func parseCSV(r io.Reader) ([]Row, []string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) == 0 || strings.TrimSpace(header[0]) != colDate {
		return nil, nil, fmt.Errorf("unexpected header %q", strings.Join(header, ","))
	}

	var names []string
	cols := map[int]string{}
	rewardCols := map[int]string{}
	for i, h := range header[1:] {
		h = strings.TrimSpace(h)
		switch h {
		case colTotal, colDiff, colDiffAvg10, colTotalReward, colRewardAvg10, colTotalCumulative, "":
			continue
		}
		if name, ok := strings.CutSuffix(h, accounts.RewardSuffix); ok && name != "" {
			rewardCols[i+1] = name
			continue
		}
		cols[i+1] = h
		names = append(names, h)
	}

	var rows []Row
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) == 0 || strings.TrimSpace(rec[0]) == "" {
			continue
		}
		date, err := time.Parse(blockcache.DateLayout, strings.TrimSpace(rec[0]))
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", line, err)
		}
		row := Row{Date: date, Balances: map[string]decimal.Decimal{}}
		if err := cells(rec, cols, row.Balances); err != nil {
			return nil, nil, fmt.Errorf("line %d %w", line, err)
		}
		if len(rewardCols) > 0 {
			row.Rewards = map[string]decimal.Decimal{}
			if err := cells(rec, rewardCols, row.Rewards); err != nil {
				return nil, nil, fmt.Errorf("line %d reward %w", line, err)
			}
		}
		rows = append(rows, row)
	}
	return rows, names, nil
}

func cells(rec []string, cols map[int]string, into map[string]decimal.Decimal) error {
	for i, name := range cols {
		if i >= len(rec) || strings.TrimSpace(rec[i]) == "" {
			continue
		}
		v, err := decimal.NewFromString(strings.TrimSpace(rec[i]))
		if err != nil {
			return fmt.Errorf("column %s: %w", name, err)
		}
		into[name] = v
	}
	return nil
}

// WriteCSV writes the combined history: date, one column per name, total, diff, diff_avg10.
// With rewards, a <name>_reward column per name follows, then total_reward, reward_avg10 and
// total_reward_cumulative.
func WriteCSV(path string, names []string, rows []Row, rewards bool) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := append([]string{colDate}, names...)
	header = append(header, colTotal, colDiff, colDiffAvg10)
	if rewards {
		for _, n := range names {
			header = append(header, n+accounts.RewardSuffix)
		}
		header = append(header, colTotalReward, colRewardAvg10, colTotalCumulative)
	}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		rec := make([]string, 0, len(header))
		rec = append(rec, blockcache.Key(r.Date))
		for _, n := range names {
			rec = append(rec, amount(r.Balances, n, Places))
		}
		rec = append(rec, nullable(r.Total, Places), nullable(r.Diff, Places), nullable(r.DiffAvg10, Places))
		if rewards {
			for _, n := range names {
				rec = append(rec, amount(r.Rewards, n, RewardPlaces))
			}
			rec = append(rec,
				nullable(r.TotalReward, RewardPlaces),
				nullable(r.RewardAvg10, RewardPlaces),
				nullable(r.RewardCumulative, RewardPlaces))
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return utils.WriteFileAtomic(path, buf.Bytes())
}

// WriteIndividual writes dir/<name>.csv for every name, with that account's balance and its own
// diff and average, and with rewards its reward, reward average and cumulative reward. Dates
// where the account has no value at all are left out.
func WriteIndividual(dir string, names []string, rows []Row, rewards bool) ([]string, error) {
	header := []string{colDate, colBalance, colDiff, colDiffAvg10}
	if rewards {
		header = append(header, colReward, colRewardAvg10, colRewardCumulative)
	}
	var written []string
	for _, name := range names {
		single := Account(rows, name)

		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		_ = w.Write(header)
		for _, r := range single {
			rec := []string{
				blockcache.Key(r.Date),
				nullable(r.Total, Places),
				nullable(r.Diff, Places),
				nullable(r.DiffAvg10, Places),
			}
			if rewards {
				rec = append(rec,
					nullable(r.TotalReward, RewardPlaces),
					nullable(r.RewardAvg10, RewardPlaces),
					nullable(r.RewardCumulative, RewardPlaces))
			}
			_ = w.Write(rec)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return written, err
		}
		path := filepath.Join(dir, FileName(name)+".csv")
		if err := utils.WriteFileAtomic(path, buf.Bytes()); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

// Account projects rows onto one account and recomputes the derived columns for it.
func Account(rows []Row, name string) []Row {
	var out []Row
	for _, r := range rows {
		bal, hasBal := r.Balances[name]
		rew, hasRew := r.Rewards[name]
		if !hasBal && !hasRew {
			continue
		}
		single := Row{Date: r.Date, Balances: map[string]decimal.Decimal{}, Rewards: map[string]decimal.Decimal{}}
		if hasBal {
			single.Balances[name] = bal
		}
		if hasRew {
			single.Rewards[name] = rew
		}
		out = append(out, single)
	}
	return Recompute(out, []string{name})
}

// FileName maps an account name to a safe file name.
func FileName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, name)
}

func amount(m map[string]decimal.Decimal, name string, places int32) string {
	v, ok := m[name]
	if !ok {
		return ""
	}
	return v.StringFixed(places)
}

func nullable(d decimal.NullDecimal, places int32) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.StringFixed(places)
}
