package masterconn

import (
	"os"
	"testing"
	"time"

	metalogger "github.com/samsamfire/gometalogger"
	"github.com/samsamfire/gometalogger/internal/crc"
	"github.com/samsamfire/gometalogger/internal/pack"
	"github.com/stretchr/testify/assert"
)

func sizePayload(size uint64) []byte {
	buf := make([]byte, 8)
	pack.NewWriter(buf).PutUint64(size)
	return buf
}

// dataBlock builds a MATOML_DOWNLOAD_DATA payload for a block.
func dataBlock(offset uint64, block []byte) []byte {
	buf := make([]byte, 16+len(block))
	w := pack.NewWriter(buf)
	w.PutUint64(offset)
	w.PutUint32(uint32(len(block)))
	w.PutUint32(crc.Checksum(block))
	w.PutBytes(block)
	return buf
}

// nextRequest drains the queue until the next DOWNLOAD_DATA request and
// returns the offset and length asked for.
func nextRequest(t *testing.T, c *MasterConn, peer int) (uint64, uint32) {
	t.Helper()
	for {
		typ, payload := readFrame(t, c, peer)
		if typ != metalogger.MltomaDownloadData {
			continue
		}
		r := pack.NewReader(payload)
		return r.Uint64(), r.Uint32()
	}
}

func testContent(size int) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i*31 + i>>8)
	}
	return buf
}

func TestDownloadHappyPath(t *testing.T) {
	c, peer := newConnectedConn(t)
	readFrame(t, c, peer) // register
	typ, payload := readFrame(t, c, peer)
	assert.EqualValues(t, metalogger.MltomaDownloadStart, typ)
	assert.Equal(t, []byte{FileMetadata}, payload)

	source := testContent(2500000)
	c.downloadStart(sizePayload(uint64(len(source))))
	assert.GreaterOrEqual(t, c.metaFd, 0)

	wantOffsets := []uint64{0, 1000000, 2000000}
	wantLengths := []uint32{1000000, 1000000, 500000}
	for i := range wantOffsets {
		offset, leng := nextRequest(t, c, peer)
		assert.Equal(t, wantOffsets[i], offset)
		assert.Equal(t, wantLengths[i], leng)
		c.downloadData(dataBlock(offset, source[offset:offset+uint64(leng)]))
	}
	assert.Equal(t, c.fileSize, c.dlOffset)

	// Completion sends DOWNLOAD_END and chains changelog backup 0
	typ, _ = readFrame(t, c, peer)
	assert.EqualValues(t, metalogger.MltomaDownloadEnd, typ)
	typ, payload = readFrame(t, c, peer)
	assert.EqualValues(t, metalogger.MltomaDownloadStart, typ)
	assert.Equal(t, []byte{FileChangelog0}, payload)
	assert.Equal(t, FileChangelog0, c.downloading)

	data, err := os.ReadFile(metadataBackName)
	assert.Nil(t, err)
	assert.Equal(t, source, data)
	_, err = os.Stat(tmpMetadataName)
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadCrcErrorThenRecovery(t *testing.T) {
	c, peer := newConnectedConn(t)
	readFrame(t, c, peer)
	readFrame(t, c, peer)

	source := testContent(100)
	c.downloadStart(sizePayload(100))
	offset, leng := nextRequest(t, c, peer)
	assert.EqualValues(t, 0, offset)
	assert.EqualValues(t, 100, leng)

	// First reply carries a corrupted checksum
	bad := dataBlock(0, source)
	bad[12] ^= 0xFF
	c.downloadData(bad)
	assert.EqualValues(t, 1, c.retryCnt)
	assert.EqualValues(t, 0, c.dlOffset)
	assert.Equal(t, ModeHeader, c.mode)

	// The same block is requested again
	offset, leng = nextRequest(t, c, peer)
	assert.EqualValues(t, 0, offset)
	assert.EqualValues(t, 100, leng)
	c.downloadData(dataBlock(0, source))
	assert.EqualValues(t, 0, c.retryCnt)

	data, err := os.ReadFile(metadataBackName)
	assert.Nil(t, err)
	assert.Equal(t, source, data)
}

func TestDownloadRetryBudgetExhausted(t *testing.T) {
	c, peer := newConnectedConn(t)
	readFrame(t, c, peer)
	readFrame(t, c, peer)

	source := testContent(50)
	c.downloadStart(sizePayload(50))

	bad := dataBlock(0, source)
	bad[12] ^= 0xFF
	for i := 0; i < MaxBlockRetries; i++ {
		c.downloadData(bad)
		assert.EqualValues(t, i+1, c.retryCnt)
	}
	// Sixth failure on the same block abandons the download but keeps
	// the session alive
	c.downloadData(bad)
	assert.EqualValues(t, 0, c.downloading)
	assert.Equal(t, -1, c.metaFd)
	assert.Equal(t, ModeHeader, c.mode)
}

func TestDownloadRefusedByMaster(t *testing.T) {
	c, peer := newConnectedConn(t)
	readFrame(t, c, peer)
	readFrame(t, c, peer)
	assert.Equal(t, FileMetadata, c.downloading)

	c.downloadStart([]byte{0xFF})
	assert.EqualValues(t, 0, c.downloading)
	assert.Equal(t, ModeHeader, c.mode)
	assert.Equal(t, -1, c.metaFd)
}

func TestDownloadZeroSizeFile(t *testing.T) {
	c, peer := newConnectedConn(t)
	readFrame(t, c, peer)
	readFrame(t, c, peer)

	// The empty file completes at once and chains changelog backup 0
	c.downloadStart(sizePayload(0))
	assert.Equal(t, FileChangelog0, c.downloading)
	assert.Equal(t, -1, c.metaFd)

	typ, _ := readFrame(t, c, peer)
	assert.EqualValues(t, metalogger.MltomaDownloadEnd, typ)
	data, err := os.ReadFile(metadataBackName)
	assert.Nil(t, err)
	assert.Len(t, data, 0)
}

func TestDownloadSingleFullBlock(t *testing.T) {
	c, peer := newConnectedConn(t)
	readFrame(t, c, peer)
	readFrame(t, c, peer)

	source := testContent(int(metalogger.MetaDlBlock))
	c.downloadStart(sizePayload(metalogger.MetaDlBlock))
	offset, leng := nextRequest(t, c, peer)
	assert.EqualValues(t, 0, offset)
	assert.EqualValues(t, metalogger.MetaDlBlock, leng)
	c.downloadData(dataBlock(0, source))

	data, err := os.ReadFile(metadataBackName)
	assert.Nil(t, err)
	assert.Equal(t, source, data)
}

func TestDownloadDataValidation(t *testing.T) {
	now := time.Now().Unix()

	t.Run("no open file kills", func(t *testing.T) {
		c, _ := newConnectedConn(t)
		c.downloadData(dataBlock(0, []byte{1}))
		assert.Equal(t, ModeKill, c.mode)
		c.Serve(0, now)
		assert.Equal(t, ModeFree, c.mode)
	})
	t.Run("short packet kills", func(t *testing.T) {
		c, peer := newConnectedConn(t)
		readFrame(t, c, peer)
		readFrame(t, c, peer)
		c.downloadStart(sizePayload(10))
		c.downloadData([]byte{1, 2, 3})
		assert.Equal(t, ModeKill, c.mode)
	})
	t.Run("declared length mismatch kills", func(t *testing.T) {
		c, peer := newConnectedConn(t)
		readFrame(t, c, peer)
		readFrame(t, c, peer)
		c.downloadStart(sizePayload(10))
		bad := dataBlock(0, []byte{1, 2, 3})
		c.downloadData(bad[:len(bad)-1])
		assert.Equal(t, ModeKill, c.mode)
	})
	t.Run("unexpected offset kills", func(t *testing.T) {
		c, peer := newConnectedConn(t)
		readFrame(t, c, peer)
		readFrame(t, c, peer)
		c.downloadStart(sizePayload(10))
		c.downloadData(dataBlock(5, []byte{1, 2}))
		assert.Equal(t, ModeKill, c.mode)
	})
	t.Run("block past declared size kills", func(t *testing.T) {
		c, peer := newConnectedConn(t)
		readFrame(t, c, peer)
		readFrame(t, c, peer)
		c.downloadStart(sizePayload(2))
		c.downloadData(dataBlock(0, []byte{1, 2, 3}))
		assert.Equal(t, ModeKill, c.mode)
	})
	t.Run("bad reply size kills", func(t *testing.T) {
		c, peer := newConnectedConn(t)
		readFrame(t, c, peer)
		readFrame(t, c, peer)
		c.downloadStart([]byte{1, 2, 3})
		assert.Equal(t, ModeKill, c.mode)
	})
}

func TestOldMasterFallback(t *testing.T) {
	c, peer := newConnectedConn(t)
	readFrame(t, c, peer)
	readFrame(t, c, peer)

	// Connection dies while downloading changelog backup 0
	c.downloading = FileChangelog0
	c.mode = ModeKill
	c.Serve(0, time.Now().Unix())
	assert.True(t, c.oldMaster)
	assert.Equal(t, ModeFree, c.mode)

	// On the next session the chain after metadata skips 11/12
	c2, peer2 := newConnectedConn(t)
	c2.oldMaster = true
	readFrame(t, c2, peer2)
	readFrame(t, c2, peer2)
	c2.downloadStart(sizePayload(0))
	typ, _ := readFrame(t, c2, peer2)
	assert.EqualValues(t, metalogger.MltomaDownloadEnd, typ)
	typ, payload := readFrame(t, c2, peer2)
	assert.EqualValues(t, metalogger.MltomaDownloadStart, typ)
	assert.Equal(t, []byte{FileSessions}, payload)
	assert.Equal(t, FileSessions, c2.downloading)
}

func TestDownloadChainChangelogsThenSessions(t *testing.T) {
	c, peer := newConnectedConn(t)
	readFrame(t, c, peer)
	readFrame(t, c, peer)

	chain := []struct {
		filenum uint8
		final   string
		content []byte
	}{
		{FileMetadata, metadataBackName, testContent(100)},
		{FileChangelog0, changelogBack0Name, []byte("1: CREATE(1,a)\n")},
		{FileChangelog1, changelogBack1Name, []byte("2: CREATE(2,b)\n")},
		{FileSessions, sessionsName, testContent(20)},
	}
	for _, step := range chain {
		assert.Equal(t, step.filenum, c.downloading)
		c.downloadStart(sizePayload(uint64(len(step.content))))
		offset, leng := nextRequest(t, c, peer)
		c.downloadData(dataBlock(offset, step.content[offset:offset+uint64(leng)]))
	}
	assert.EqualValues(t, 0, c.downloading)

	for _, step := range chain {
		data, err := os.ReadFile(step.final)
		assert.Nil(t, err)
		assert.Equal(t, step.content, data)
	}
}
