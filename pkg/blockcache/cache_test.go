package blockcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func day(s string) time.Time {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	c := Load(filepath.Join(t.TempDir(), "nope.json"), zap.NewNop())
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Recovered())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "block_cache.json")
	c := New()
	c.Put(Entry{Date: day("2024-08-30"), Block: 5761, Hash: "0xaa"})
	c.Put(Entry{Date: day("2024-08-31"), Block: 11522, Hash: "0xbb"})
	c.Put(Entry{Date: time.Date(2024, 9, 1, 13, 5, 0, 0, time.UTC), Block: 17283, Hash: "0xcc"})
	assert.True(t, c.Dirty())
	require.NoError(t, c.Save(path))
	assert.False(t, c.Dirty())

	loaded := Load(path, zap.NewNop())
	assert.Equal(t, c.Entries(), loaded.Entries())

	e, ok := loaded.Get(day("2024-09-01"))
	require.True(t, ok)
	assert.Equal(t, uint64(17283), e.Block)
	assert.Equal(t, day("2024-09-01"), e.Date)

	// no temp files left behind
	files, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestFileSchemaIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "block_cache.json")
	c := New()
	c.Put(Entry{Date: day("2024-08-30"), Block: 5761, Hash: "0xaa"})
	require.NoError(t, c.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"2024-08-30":{"block":5761,"hash":"0xaa"}}`, string(data))
}

func TestLoadAcceptsLongFieldNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "block_cache.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"2024-08-30":{"block_number":5761,"block_hash":"0xaa"}}`), 0o644))

	e, ok := Load(path, zap.NewNop()).Get(day("2024-08-30"))
	require.True(t, ok)
	assert.Equal(t, Entry{Date: day("2024-08-30"), Block: 5761, Hash: "0xaa"}, e)
}

func TestLoadCorruptFileRecovers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "block_cache.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"2024-08-30":{"block":`), 0o644))

	core, logs := observer.New(zap.WarnLevel)
	c := Load(path, zap.New(core))
	assert.Equal(t, 0, c.Len())
	assert.True(t, c.Recovered())
	assert.Equal(t, 1, logs.Len())
}

func TestBypassSkipsReadsButKeepsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "block_cache.json")
	c := New()
	c.Put(Entry{Date: day("2024-08-30"), Block: 1, Hash: "0x01"})
	require.NoError(t, c.Save(path))

	c = Load(path, zap.NewNop())
	c.SetBypass(true)
	_, ok := c.Get(day("2024-08-30"))
	assert.False(t, ok)

	c.Put(Entry{Date: day("2024-08-31"), Block: 2, Hash: "0x02"})
	require.NoError(t, c.Save(path))

	reloaded := Load(path, zap.NewNop())
	assert.Equal(t, 2, reloaded.Len())
}

func TestPutSameEntryIsNotDirty(t *testing.T) {
	c := New()
	c.Put(Entry{Date: day("2024-08-30"), Block: 1, Hash: "0x01"})
	require.NoError(t, c.Save(filepath.Join(t.TempDir(), "c.json")))
	c.Put(Entry{Date: day("2024-08-30"), Block: 1, Hash: "0x01"})
	assert.False(t, c.Dirty())
}
