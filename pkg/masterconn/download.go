package masterconn

import (
	"os"
	"time"

	metalogger "github.com/samsamfire/gometalogger"
	"github.com/samsamfire/gometalogger/internal/crc"
	"github.com/samsamfire/gometalogger/internal/pack"
	"golang.org/x/sys/unix"
)

// File identifiers of the download sub-protocol. 11 and 12 are only
// served by newer masters; see the old-master fallback in beforeClose.
const (
	FileMetadata   uint8 = 1
	FileSessions   uint8 = 2
	FileChangelog0 uint8 = 11
	FileChangelog1 uint8 = 12
)

// A block failing to write, verify or sync is retried at the same
// offset up to this many times before the download is abandoned.
const MaxBlockRetries = 5

const (
	tmpMetadataName  = "metadata_ml.tmp"
	tmpSessionsName  = "sessions_ml.tmp"
	tmpChangelogName = "changelog_ml.tmp"

	metadataBackName   = "metadata_ml.mfs.back"
	sessionsName       = "sessions_ml.mfs"
	changelogBack0Name = "changelog_ml_back.0.mfs"
	changelogBack1Name = "changelog_ml_back.1.mfs"
)

func fileName(filenum uint8) string {
	switch filenum {
	case FileMetadata:
		return "metadata"
	case FileSessions:
		return "sessions"
	case FileChangelog0:
		return "changelog_0"
	case FileChangelog1:
		return "changelog_1"
	}
	return "???"
}

// downloadInit requests a file download if the session is up and no
// other download is in flight.
func (c *MasterConn) downloadInit(filenum uint8) {
	if (c.mode == ModeHeader || c.mode == ModeData) && c.downloading == 0 {
		w := c.createPacket(metalogger.MltomaDownloadStart, 1)
		w.PutUint8(filenum)
		c.downloading = filenum
	}
}

// MetaDownloadInit is the periodic metadata snapshot trigger.
func (c *MasterConn) MetaDownloadInit() {
	c.downloadInit(FileMetadata)
}

// SessionsDownloadInit is the periodic sessions table trigger.
func (c *MasterConn) SessionsDownloadInit() {
	c.downloadInit(FileSessions)
}

// downloadEnd finishes or abandons the current download. The session
// stays up either way.
func (c *MasterConn) downloadEnd() error {
	c.downloading = 0
	c.createPacket(metalogger.MltomaDownloadEnd, 0)
	if c.metaFd >= 0 {
		err := unix.Close(c.metaFd)
		c.metaFd = -1
		if err != nil {
			c.logger.Warn("error closing temp file", "err", err)
			return err
		}
	}
	return nil
}

// downloadNext either requests the next block or, at end of file,
// publishes the temp file and chains the next download.
func (c *MasterConn) downloadNext() {
	if c.dlOffset < c.fileSize {
		w := c.createPacket(metalogger.MltomaDownloadData, 8+4)
		w.PutUint64(c.dlOffset)
		left := c.fileSize - c.dlOffset
		if left > metalogger.MetaDlBlock {
			left = metalogger.MetaDlBlock
		}
		w.PutUint32(uint32(left))
		return
	}

	filenum := c.downloading
	if c.downloadEnd() != nil {
		return
	}
	dlTime := time.Since(c.dlStart).Microseconds()
	if dlTime <= 0 {
		dlTime = 1
	}
	c.logger.Info("download finished",
		"file", fileName(filenum),
		"bytes", c.fileSize,
		"seconds", float64(dlTime)/1e6,
		"MB/s", float64(c.fileSize)/float64(dlTime),
	)
	switch filenum {
	case FileMetadata:
		if err := os.Rename(tmpMetadataName, metadataBackName); err != nil {
			c.logger.Warn("can't rename downloaded metadata - do it manually before next download", "err", err)
		}
		if !c.oldMaster {
			c.downloadInit(FileChangelog0)
		} else {
			c.downloadInit(FileSessions)
		}
	case FileChangelog0:
		if err := os.Rename(tmpChangelogName, changelogBack0Name); err != nil {
			c.logger.Warn("can't rename downloaded changelog - do it manually before next download", "err", err)
		}
		c.downloadInit(FileChangelog1)
	case FileChangelog1:
		if err := os.Rename(tmpChangelogName, changelogBack1Name); err != nil {
			c.logger.Warn("can't rename downloaded changelog - do it manually before next download", "err", err)
		}
		c.downloadInit(FileSessions)
	case FileSessions:
		if err := os.Rename(tmpSessionsName, sessionsName); err != nil {
			c.logger.Warn("can't rename downloaded sessions - do it manually before next download", "err", err)
		}
	}
}

// downloadStart handles the master's reply to a download request:
// either a one byte refusal or the file size.
func (c *MasterConn) downloadStart(data []byte) {
	if len(data) != 1 && len(data) != 8 {
		c.logger.Info("download start reply has wrong size", "size", len(data))
		c.mode = ModeKill
		return
	}
	if len(data) == 1 {
		c.downloading = 0
		c.logger.Info("master refused download")
		return
	}
	c.fileSize = pack.NewReader(data).Uint64()
	c.dlOffset = 0
	c.retryCnt = 0
	c.dlStart = time.Now()

	var name string
	switch c.downloading {
	case FileMetadata:
		name = tmpMetadataName
	case FileSessions:
		name = tmpSessionsName
	case FileChangelog0, FileChangelog1:
		name = tmpChangelogName
	default:
		c.logger.Info("unexpected download start packet")
		c.mode = ModeKill
		return
	}
	fd, err := unix.Open(name, unix.O_WRONLY|unix.O_TRUNC|unix.O_CREAT, 0666)
	if err != nil {
		c.logger.Warn("error opening temp file", "name", name, "err", err)
		c.downloadEnd()
		return
	}
	c.metaFd = fd
	c.downloadNext()
}

// downloadData handles one data block: positional write, CRC check and
// fsync, with a shared retry budget across the three failure kinds.
func (c *MasterConn) downloadData(data []byte) {
	if c.metaFd < 0 {
		c.logger.Info("download data but no file is open")
		c.mode = ModeKill
		return
	}
	if len(data) < 16 {
		c.logger.Info("download data packet too short", "size", len(data))
		c.mode = ModeKill
		return
	}
	r := pack.NewReader(data)
	offset := r.Uint64()
	leng := r.Uint32()
	blockCrc := r.Uint32()
	if uint64(len(data)) != 16+uint64(leng) {
		c.logger.Info("download data packet has wrong size",
			"size", len(data),
			"declared", leng,
		)
		c.mode = ModeKill
		return
	}
	if offset != c.dlOffset {
		c.logger.Info("download data at unexpected offset",
			"offset", offset,
			"expected", c.dlOffset,
		)
		c.mode = ModeKill
		return
	}
	if offset+uint64(leng) > c.fileSize {
		c.logger.Info("download data past end of file",
			"end", offset+uint64(leng),
			"size", c.fileSize,
		)
		c.mode = ModeKill
		return
	}
	block := data[16:]
	n, err := unix.Pwrite(c.metaFd, block, int64(offset))
	if err != nil || n != int(leng) {
		c.logger.Warn("error writing temp file", "err", err)
		c.blockFailed()
		return
	}
	if crc.Checksum(block) != blockCrc {
		c.logger.Warn("downloaded block crc error", "offset", offset)
		c.blockFailed()
		return
	}
	if err := unix.Fsync(c.metaFd); err != nil {
		c.logger.Warn("error syncing temp file", "err", err)
		c.blockFailed()
		return
	}
	c.dlOffset += uint64(leng)
	c.retryCnt = 0
	c.downloadNext()
}

// blockFailed spends one unit of the retry budget, re-requesting the
// same block, or abandons the download once the budget is exhausted.
// retryCnt only resets on full block success.
func (c *MasterConn) blockFailed() {
	if c.retryCnt >= MaxBlockRetries {
		c.downloadEnd()
		return
	}
	c.retryCnt++
	c.downloadNext()
}
