// Package config loads the metalogger configuration file. The file is
// a flat list of KEY = VALUE lines (mfsmetalogger.cfg style); missing
// files and missing keys fall back to the documented defaults.
package config

import (
	"gopkg.in/ini.v1"
)

const (
	DefaultMasterHost = "mfsmaster"
	DefaultMasterPort = "9419"
	DefaultBindHost   = "*"
	DefaultDataPath   = "/var/lib/mfs"

	TimeoutMin  = 2
	TimeoutMax  = 65535
	BackLogsMin = 5
	BackLogsMax = 10000
)

type Config struct {
	MasterHost string
	MasterPort string
	BindHost   string
	DataPath   string

	// Seconds between reconnection attempts while disconnected.
	ReconnectionDelay uint32
	// Session timeout in seconds, also announced to the master.
	Timeout uint32
	// Number of rotated changelog files kept on disk.
	BackLogs uint32
	// Hours between full metadata snapshot downloads.
	MetaDownloadFreq uint32
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{
		MasterHost:        DefaultMasterHost,
		MasterPort:        DefaultMasterPort,
		BindHost:          DefaultBindHost,
		DataPath:          DefaultDataPath,
		ReconnectionDelay: 5,
		Timeout:           60,
		BackLogs:          50,
		MetaDownloadFreq:  24,
	}
	cfg.clamp()
	return cfg
}

// Load reads the configuration file at path. A missing file is not an
// error; defaults apply for every absent key. Values outside their
// documented range are clamped, not rejected.
func Load(path string) (*Config, error) {
	f, err := ini.LooseLoad(path)
	if err != nil {
		return nil, err
	}
	sec := f.Section("")
	cfg := &Config{
		MasterHost:        sec.Key("MASTER_HOST").MustString(DefaultMasterHost),
		MasterPort:        sec.Key("MASTER_PORT").MustString(DefaultMasterPort),
		BindHost:          sec.Key("BIND_HOST").MustString(DefaultBindHost),
		DataPath:          sec.Key("DATA_PATH").MustString(DefaultDataPath),
		ReconnectionDelay: uint32(sec.Key("MASTER_RECONNECTION_DELAY").MustUint(5)),
		Timeout:           uint32(sec.Key("MASTER_TIMEOUT").MustUint(60)),
		BackLogs:          uint32(sec.Key("BACK_LOGS").MustUint(50)),
		MetaDownloadFreq:  uint32(sec.Key("META_DOWNLOAD_FREQ").MustUint(24)),
	}
	cfg.clamp()
	return cfg, nil
}

func (c *Config) clamp() {
	if c.Timeout < TimeoutMin {
		c.Timeout = TimeoutMin
	}
	if c.Timeout > TimeoutMax {
		c.Timeout = TimeoutMax
	}
	if c.BackLogs < BackLogsMin {
		c.BackLogs = BackLogsMin
	}
	if c.BackLogs > BackLogsMax {
		c.BackLogs = BackLogsMax
	}
	if c.MetaDownloadFreq > c.BackLogs/2 {
		c.MetaDownloadFreq = c.BackLogs / 2
	}
}
