package masterconn

import (
	"bufio"
	"fmt"
	"os"

	"github.com/samsamfire/gometalogger/internal/pack"
)

const (
	changelogName = "changelog_ml.0.mfs"

	// First payload byte of a MATOML_METACHANGES_LOG packet.
	rotateMarker uint8 = 0x55
	recordMarker uint8 = 0xFF
)

// metachangesLog handles a change-log packet: a single rotation byte or
// one versioned record to append.
func (c *MasterConn) metachangesLog(data []byte) {
	if len(data) == 1 && data[0] == rotateMarker {
		c.rotateChangelogs()
		return
	}
	if len(data) < 10 {
		c.logger.Info("change log packet too short", "size", len(data))
		c.mode = ModeKill
		return
	}
	if data[0] != recordMarker {
		c.logger.Info("change log packet with wrong marker")
		c.mode = ModeKill
		return
	}
	if data[len(data)-1] != 0 {
		c.logger.Info("change log record is not NUL terminated")
		c.mode = ModeKill
		return
	}

	if c.logFile == nil {
		f, err := os.OpenFile(changelogName, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
		if err == nil {
			c.logFile = f
			c.logBuf = bufio.NewWriter(f)
		}
	}

	version := pack.NewReader(data[1:]).Uint64()
	text := data[9 : len(data)-1]
	if c.logFile != nil {
		fmt.Fprintf(c.logBuf, "%d: %s\n", version, text)
	} else {
		// The record must not be dropped silently when the log file
		// cannot be opened.
		c.logger.Warn("lost change",
			"version", version,
			"change", string(text),
		)
	}
}

// rotateChangelogs closes the current log and shifts the numbered
// backlog files one position up, dropping the oldest.
func (c *MasterConn) rotateChangelogs() {
	c.closeChangelog()
	if c.cfg.BackLogs > 0 {
		for i := c.cfg.BackLogs; i > 0; i-- {
			os.Rename(
				fmt.Sprintf("changelog_ml.%d.mfs", i-1),
				fmt.Sprintf("changelog_ml.%d.mfs", i),
			)
		}
	} else {
		os.Remove(changelogName)
	}
}

// FlushChangelog is the periodic flush tick for the buffered log.
func (c *MasterConn) FlushChangelog() {
	if c.logBuf != nil {
		c.logBuf.Flush()
	}
}

func (c *MasterConn) closeChangelog() {
	if c.logFile != nil {
		c.logBuf.Flush()
		c.logFile.Close()
		c.logFile = nil
		c.logBuf = nil
	}
}
