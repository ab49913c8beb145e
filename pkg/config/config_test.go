package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mfsmetalogger.cfg")
	if err := os.WriteFile(path, []byte(content), 0666); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.cfg"))
	assert.Nil(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
MASTER_HOST = master.example.net
MASTER_PORT = 9420
BIND_HOST = 10.0.0.7
MASTER_RECONNECTION_DELAY = 30
MASTER_TIMEOUT = 120
BACK_LOGS = 100
META_DOWNLOAD_FREQ = 12
DATA_PATH = /srv/mfs
`))
	assert.Nil(t, err)
	assert.Equal(t, "master.example.net", cfg.MasterHost)
	assert.Equal(t, "9420", cfg.MasterPort)
	assert.Equal(t, "10.0.0.7", cfg.BindHost)
	assert.EqualValues(t, 30, cfg.ReconnectionDelay)
	assert.EqualValues(t, 120, cfg.Timeout)
	assert.EqualValues(t, 100, cfg.BackLogs)
	assert.EqualValues(t, 12, cfg.MetaDownloadFreq)
	assert.Equal(t, "/srv/mfs", cfg.DataPath)
}

func TestClamping(t *testing.T) {
	t.Run("timeout too small", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "MASTER_TIMEOUT = 1\n"))
		assert.Nil(t, err)
		assert.EqualValues(t, TimeoutMin, cfg.Timeout)
	})
	t.Run("timeout too large", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "MASTER_TIMEOUT = 100000\n"))
		assert.Nil(t, err)
		assert.EqualValues(t, TimeoutMax, cfg.Timeout)
	})
	t.Run("back logs out of range", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "BACK_LOGS = 2\n"))
		assert.Nil(t, err)
		assert.EqualValues(t, BackLogsMin, cfg.BackLogs)
		cfg, err = Load(writeConfig(t, "BACK_LOGS = 20000\n"))
		assert.Nil(t, err)
		assert.EqualValues(t, BackLogsMax, cfg.BackLogs)
	})
	t.Run("download frequency bounded by back logs", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "BACK_LOGS = 10\nMETA_DOWNLOAD_FREQ = 24\n"))
		assert.Nil(t, err)
		assert.EqualValues(t, 5, cfg.MetaDownloadFreq)
	})
}
