// Package blockcache persists the date → block mapping produced by the resolver.
//
// The file is a JSON object keyed by ISO date:
//
//	{"2024-08-30": {"block": 5761, "hash": "0x…"}}
//
// Field names are shared with earlier generations of the tool and must not change.
package blockcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/canopy-network/balancex/pkg/utils"
	"go.uber.org/zap"
)

// ErrCacheCorrupt is logged (never returned from Load) when the file cannot be parsed.
var ErrCacheCorrupt = errors.New("block cache corrupt")

// DateLayout is the key format of the cache file.
const DateLayout = time.DateOnly

// Entry is the block resolved for a date: the highest block whose timestamp is at or
// before 00:00:00 UTC of Date.
type Entry struct {
	Date  time.Time `json:"-"`
	Block uint64    `json:"block"`
	Hash  string    `json:"hash"`
}

// UnmarshalJSON also accepts the block_number/block_hash spelling.
func (e *Entry) UnmarshalJSON(b []byte) error {
	var raw struct {
		Block       *uint64 `json:"block"`
		Hash        string  `json:"hash"`
		BlockNumber *uint64 `json:"block_number"`
		BlockHash   string  `json:"block_hash"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch {
	case raw.Block != nil:
		e.Block = *raw.Block
	case raw.BlockNumber != nil:
		e.Block = *raw.BlockNumber
	default:
		return fmt.Errorf("entry without block number")
	}
	e.Hash = raw.Hash
	if e.Hash == "" {
		e.Hash = raw.BlockHash
	}
	if e.Hash == "" {
		return fmt.Errorf("entry without block hash")
	}
	return nil
}

// Key formats a date the way the cache file stores it.
func Key(date time.Time) string {
	return date.UTC().Format(DateLayout)
}

// Cache is the in-memory date → block map. It is safe for concurrent use; persistence is
// explicit through Save.
type Cache struct {
	mu        sync.RWMutex
	entries   map[string]Entry
	bypass    bool
	recovered bool
	dirty     bool
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{entries: map[string]Entry{}}
}

// Load reads path. A missing file yields an empty cache; an unreadable or corrupt file is
// logged and also yields an empty cache so the run can rebuild it.
func Load(path string, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := New()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c
	}
	if err != nil {
		logger.Warn("block cache unreadable, starting empty", zap.String("path", path), zap.Error(err))
		c.recovered = true
		return c
	}

	var raw map[string]Entry
	if err := json.Unmarshal(data, &raw); err != nil {
		logger.Warn("block cache unparseable, starting empty",
			zap.String("path", path),
			zap.Error(fmt.Errorf("%w: %w", ErrCacheCorrupt, err)))
		c.recovered = true
		return c
	}
	for k, e := range raw {
		d, err := time.Parse(DateLayout, k)
		if err != nil {
			logger.Warn("skipping block cache entry with invalid date", zap.String("key", k))
			continue
		}
		e.Date = d
		c.entries[k] = e
	}
	logger.Debug("block cache loaded", zap.String("path", path), zap.Int("entries", len(c.entries)))
	return c
}

// SetBypass makes Get miss every date while Put and Save keep working, so a run that
// ignores the cache still leaves fresh entries behind.
func (c *Cache) SetBypass(bypass bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bypass = bypass
}

// Recovered reports whether Load discarded an unusable file.
func (c *Cache) Recovered() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recovered
}

// Get returns the cached entry for date.
func (c *Cache) Get(date time.Time) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.bypass {
		return Entry{}, false
	}
	e, ok := c.entries[Key(date)]
	return e, ok
}

// Put stores e under e.Date.
func (c *Cache) Put(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := Key(e.Date)
	e.Date, _ = time.Parse(DateLayout, k)
	if old, ok := c.entries[k]; ok && old.Block == e.Block && old.Hash == e.Hash {
		return
	}
	c.entries[k] = e
	c.dirty = true
}

// Len is the number of stored entries, bypass or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Entries returns every stored entry sorted by date, ignoring bypass.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// Dirty reports whether Put changed anything since the last Save.
func (c *Cache) Dirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dirty
}

// Save writes the cache atomically: a temp file in the target directory, fsync, rename.
func (c *Cache) Save(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(c.entries)
	if err != nil {
		return fmt.Errorf("encode block cache: %w", err)
	}
	if err := utils.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("save block cache: %w", err)
	}
	c.dirty = false
	return nil
}
