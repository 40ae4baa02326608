package tracker

import (
	"time"

	"github.com/canopy-network/balancex/pkg/balance"
	"github.com/canopy-network/balancex/pkg/blockcache"
	"github.com/canopy-network/balancex/pkg/history"
	"github.com/canopy-network/balancex/pkg/resolver"
	"github.com/canopy-network/balancex/pkg/reward"
	"go.uber.org/zap"
)

// Report summarises a run.
type Report struct {
	Source   string
	Accounts int
	Start    time.Time
	End      time.Time

	// Dates is the number of dates in range, Fetched the number queried this run.
	Dates     int
	Fetched   int
	CacheHits int
	Resolved  int
	Lookups   int

	// CacheRecovered is set when an unusable block cache file was discarded; the reward cache
	// likewise sets RewardCacheRecovered.
	CacheRecovered       bool
	RewardCacheRecovered bool

	// Rewarded is the number of dates whose rewards were filled this run; RewardPending those
	// left for a later run because the next day is not on chain yet.
	Rewarded      int
	RewardPending int

	DateFailures    []resolver.DateFailure
	AccountFailures []balance.AccountQueryFailure
	RewardFailures  []reward.Failure

	Files  []string
	Latest *history.Row

	Duration time.Duration
}

// Complete reports whether every date and account was fetched.
func (r *Report) Complete() bool {
	return len(r.DateFailures) == 0 && len(r.AccountFailures) == 0 && len(r.RewardFailures) == 0
}

func (r *Report) log(logger *zap.Logger) {
	fields := []zap.Field{
		zap.String("source", r.Source),
		zap.Int("accounts", r.Accounts),
		zap.String("start", blockcache.Key(r.Start)),
		zap.String("end", blockcache.Key(r.End)),
		zap.Int("dates", r.Dates),
		zap.Int("fetched", r.Fetched),
		zap.Int("cacheHits", r.CacheHits),
		zap.Int("resolved", r.Resolved),
		zap.Int("lookups", r.Lookups),
		zap.Bool("cacheRecovered", r.CacheRecovered),
		zap.Bool("rewardCacheRecovered", r.RewardCacheRecovered),
		zap.Int("rewarded", r.Rewarded),
		zap.Int("rewardPending", r.RewardPending),
		zap.Int("dateFailures", len(r.DateFailures)),
		zap.Int("accountFailures", len(r.AccountFailures)),
		zap.Int("rewardFailures", len(r.RewardFailures)),
		zap.Strings("files", r.Files),
		zap.Duration("took", r.Duration),
	}
	if r.Latest != nil {
		fields = append(fields, zap.String("latestDate", blockcache.Key(r.Latest.Date)))
		if r.Latest.Total.Valid {
			fields = append(fields, zap.String("latestTotal", r.Latest.Total.Decimal.StringFixed(history.Places)))
		}
	}
	if r.Complete() {
		logger.Info("run finished", fields...)
		return
	}
	for _, f := range r.DateFailures {
		logger.Warn("date skipped", zap.String("date", blockcache.Key(f.Date)), zap.Error(f.Err))
	}
	for _, f := range r.AccountFailures {
		logger.Warn("balance missing",
			zap.String("account", f.Account.Name),
			zap.String("date", blockcache.Key(f.Date)),
			zap.Error(f.Err))
	}
	for _, f := range r.RewardFailures {
		logger.Warn("reward missing", zap.String("date", blockcache.Key(f.Date)), zap.Error(f.Err))
	}
	logger.Warn("run finished with gaps", fields...)
}
