package charts

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRefreshDrainsStats(t *testing.T) {
	calls := 0
	stats := func() (uint32, uint32) {
		calls++
		return 123, 456
	}
	c := New(filepath.Join(t.TempDir(), DefaultFilename), stats, testLogger())
	c.Refresh()
	c.Refresh()

	assert.Equal(t, 2, calls)
	assert.Len(t, c.samples, 2)
	assert.EqualValues(t, 123, c.samples[0][SeriesBytesIn])
	assert.EqualValues(t, 456, c.samples[0][SeriesBytesOut])
}

func TestStoreLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFilename)
	c := New(path, func() (uint32, uint32) { return 7, 9 }, testLogger())
	c.Refresh()
	c.Refresh()
	c.Refresh()
	assert.Nil(t, c.Store())

	c2 := New(path, nil, testLogger())
	assert.Equal(t, c.samples, c2.samples)
}

func TestLoadIgnoresMissingFile(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), DefaultFilename), nil, testLogger())
	assert.Len(t, c.samples, 0)
}

func TestLoadRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFilename)
	assert.Nil(t, os.WriteFile(path, []byte("not a stats store at all"), 0666))
	c := New(path, nil, testLogger())
	assert.Len(t, c.samples, 0)
}

func TestCPUSampleIsDelta(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), DefaultFilename), nil, testLogger())
	// Burn a little CPU so the cumulative counters move
	x := 0
	for i := 0; i < 1000000; i++ {
		x += i
	}
	_ = x
	c.Refresh()
	userUs, _, err := cpuTimes()
	assert.Nil(t, err)
	assert.LessOrEqual(t, c.samples[0][SeriesUserCPU], userUs)
}
