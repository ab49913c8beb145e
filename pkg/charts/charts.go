// Package charts keeps the operational counters of the metalogger:
// process CPU time split into user and system, and the bytes exchanged
// with the master. Samples are taken once a minute into a ring buffer
// and persisted periodically to a small binary time-series store.
package charts

import (
	"errors"
	"log/slog"
	"os"

	"github.com/samsamfire/gometalogger/internal/pack"
	"github.com/samsamfire/gometalogger/pkg/runtime"
	"golang.org/x/sys/unix"
)

// Series indices within one sample.
const (
	SeriesUserCPU = iota
	SeriesSysCPU
	SeriesBytesIn
	SeriesBytesOut
	NumSeries
)

const (
	DefaultFilename = "stats.mfs"

	// One day of minute samples.
	maxSamples = 1440

	storeMagic   uint32 = 0x4d4c4348 // "MLCH"
	storeVersion uint32 = 1
)

var ErrStoreFormat = errors.New("stats store has unknown format")

// StatsFunc drains a collaborator's counters since the previous call.
type StatsFunc func() (bytesIn uint32, bytesOut uint32)

type Charts struct {
	logger   *slog.Logger
	filename string
	stats    StatsFunc

	samples [][NumSeries]uint64

	lastUserUs uint64
	lastSysUs  uint64
}

func New(filename string, stats StatsFunc, logger *slog.Logger) *Charts {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Charts{
		logger:   logger.With("service", "[CHARTS]"),
		filename: filename,
		stats:    stats,
	}
	c.lastUserUs, c.lastSysUs, _ = cpuTimes()
	if err := c.load(); err != nil {
		c.logger.Warn("could not load previous stats store", "err", err)
	}
	return c
}

// Register hooks the refresh, store and at-exit persistence into the
// main loop.
func (c *Charts) Register(loop *runtime.Loop) {
	loop.RegisterTimer(60, 0, c.Refresh)
	loop.RegisterTimer(3600, 0, c.store)
	loop.RegisterDestruct(c.Term)
}

// cpuTimes reads the cumulative process CPU usage in microseconds.
func cpuTimes() (userUs uint64, sysUs uint64, err error) {
	var ru unix.Rusage
	if err = unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, 0, err
	}
	return timevalUs(ru.Utime), timevalUs(ru.Stime), nil
}

func timevalUs(tv unix.Timeval) uint64 {
	return uint64(tv.Sec)*1000000 + uint64(tv.Usec)
}

// Refresh appends one sample: CPU time spent since the previous
// refresh and the bytes moved on the master connection.
func (c *Charts) Refresh() {
	var sample [NumSeries]uint64
	userUs, sysUs, err := cpuTimes()
	if err != nil {
		c.logger.Warn("could not read cpu usage", "err", err)
	} else {
		if userUs >= c.lastUserUs {
			sample[SeriesUserCPU] = userUs - c.lastUserUs
		}
		if sysUs >= c.lastSysUs {
			sample[SeriesSysCPU] = sysUs - c.lastSysUs
		}
		c.lastUserUs = userUs
		c.lastSysUs = sysUs
	}
	if c.stats != nil {
		bytesIn, bytesOut := c.stats()
		sample[SeriesBytesIn] = uint64(bytesIn)
		sample[SeriesBytesOut] = uint64(bytesOut)
	}
	c.samples = append(c.samples, sample)
	if len(c.samples) > maxSamples {
		c.samples = c.samples[len(c.samples)-maxSamples:]
	}
}

// Store writes the sample ring to the store file, via a temp file and
// atomic rename.
func (c *Charts) Store() error {
	buf := make([]byte, 16+len(c.samples)*NumSeries*8)
	w := pack.NewWriter(buf)
	w.PutUint32(storeMagic)
	w.PutUint32(storeVersion)
	w.PutUint32(NumSeries)
	w.PutUint32(uint32(len(c.samples)))
	for _, sample := range c.samples {
		for _, v := range sample {
			w.PutUint64(v)
		}
	}
	tmp := c.filename + ".tmp"
	if err := os.WriteFile(tmp, buf, 0666); err != nil {
		return err
	}
	return os.Rename(tmp, c.filename)
}

func (c *Charts) store() {
	if err := c.Store(); err != nil {
		c.logger.Warn("could not store stats", "err", err)
	}
}

// load restores the sample ring from a previous run. A missing file is
// not an error.
func (c *Charts) load() error {
	buf, err := os.ReadFile(c.filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(buf) < 16 {
		return ErrStoreFormat
	}
	r := pack.NewReader(buf)
	if r.Uint32() != storeMagic || r.Uint32() != storeVersion {
		return ErrStoreFormat
	}
	series := r.Uint32()
	count := r.Uint32()
	if series != NumSeries || r.Remaining() != int(count)*NumSeries*8 {
		return ErrStoreFormat
	}
	c.samples = make([][NumSeries]uint64, count)
	for i := range c.samples {
		for j := 0; j < NumSeries; j++ {
			c.samples[i][j] = r.Uint64()
		}
	}
	return nil
}

// Term takes a final sample and persists the store at shutdown.
func (c *Charts) Term() {
	c.Refresh()
	c.store()
}
