package reward

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/canopy-network/balancex/pkg/blockcache"
	"github.com/canopy-network/balancex/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Cache is the persisted address → date → reward map, amounts in tokens:
//
//	{"5Grw…": {"2024-09-02": "12.5"}}
//
// Only rewards of finished dates are stored, so entries are final. It is safe for concurrent
// use.
type Cache struct {
	mu        sync.RWMutex
	entries   map[string]map[string]decimal.Decimal
	bypass    bool
	recovered bool
	dirty     bool
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: map[string]map[string]decimal.Decimal{}}
}

// LoadCache reads path. A missing file is an empty cache; an unreadable or corrupt one is
// logged and replaced by an empty cache.
func LoadCache(path string, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := NewCache()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c
	}
	if err == nil {
		err = json.Unmarshal(data, &c.entries)
	}
	if err != nil {
		logger.Warn("reward cache unusable, starting empty", zap.String("path", path), zap.Error(err))
		c.entries = map[string]map[string]decimal.Decimal{}
		c.recovered = true
		return c
	}
	if c.entries == nil {
		c.entries = map[string]map[string]decimal.Decimal{}
	}
	return c
}

// SetBypass makes lookups miss while Put and Save keep working.
func (c *Cache) SetBypass(bypass bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bypass = bypass
}

// Recovered reports whether LoadCache discarded an unusable file.
func (c *Cache) Recovered() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recovered
}

// Get returns the reward of address on date.
func (c *Cache) Get(address string, date time.Time) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.bypass {
		return decimal.Decimal{}, false
	}
	v, ok := c.entries[address][blockcache.Key(date)]
	return v, ok
}

// Put stores the reward of address on date.
func (c *Cache) Put(address string, date time.Time, v decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.entries[address]
	if !ok {
		m = map[string]decimal.Decimal{}
		c.entries[address] = m
	}
	k := blockcache.Key(date)
	if old, ok := m[k]; ok && old.Equal(v) {
		return
	}
	m[k] = v
	c.dirty = true
}

// Dirty reports whether Put changed anything since the last Save.
func (c *Cache) Dirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dirty
}

// Save writes the cache atomically.
func (c *Cache) Save(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := json.Marshal(c.entries)
	if err != nil {
		return fmt.Errorf("encode reward cache: %w", err)
	}
	if err := utils.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("save reward cache: %w", err)
	}
	c.dirty = false
	return nil
}
