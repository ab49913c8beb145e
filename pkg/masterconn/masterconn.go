// Package masterconn maintains the replication session with the master
// server: it registers as a metalogger, receives the change-log stream,
// downloads metadata snapshots and supervises reconnection. The whole
// package runs on the main loop goroutine; see pkg/runtime.
package masterconn

import (
	"bufio"
	"log/slog"
	"os"
	"time"

	metalogger "github.com/samsamfire/gometalogger"
	"github.com/samsamfire/gometalogger/internal/pack"
	"github.com/samsamfire/gometalogger/internal/sockets"
	"github.com/samsamfire/gometalogger/pkg/config"
	"github.com/samsamfire/gometalogger/pkg/packet"
	"github.com/samsamfire/gometalogger/pkg/runtime"
	"golang.org/x/sys/unix"
)

// Connection mode.
type Mode uint8

const (
	ModeFree Mode = iota
	ModeConnecting
	ModeHeader
	ModeData
	ModeKill
)

// MasterConn is the single connection to the master server. It is owned
// by the main loop and must only be touched from it.
type MasterConn struct {
	logger *slog.Logger
	cfg    *config.Config

	mode Mode
	sock int

	bindIP     uint32
	masterIP   uint32
	masterPort uint16
	addrValid  bool

	// Input side. inNeed is the slice still to be filled: it points
	// into hdrBuf in Header mode and into inPacket in Data mode.
	hdrBuf   [packet.HeaderSize]byte
	inNeed   []byte
	inPacket []byte

	outQueue packet.Queue

	lastRead  int64
	lastWrite int64

	// Download state, see download.go.
	retryCnt    uint8
	downloading uint8
	oldMaster   bool
	metaFd      int
	fileSize    uint64
	dlOffset    uint64
	dlStart     time.Time

	// Change-log state, see changelog.go.
	logFile *os.File
	logBuf  *bufio.Writer

	bytesIn  uint32
	bytesOut uint32
}

func New(cfg *config.Config, logger *slog.Logger) *MasterConn {
	if logger == nil {
		logger = slog.Default()
	}
	return &MasterConn{
		logger: logger.With("service", "[MASTER]"),
		cfg:    cfg,
		mode:   ModeFree,
		sock:   -1,
		metaFd: -1,
	}
}

// Register hooks the connection into the main loop: the poll handler,
// the reconnection tick, the two download triggers, the change-log
// flush tick, DNS re-resolution on reload and cleanup at shutdown.
func (c *MasterConn) Register(loop *runtime.Loop) {
	loop.RegisterPoll(c)
	loop.RegisterTimer(int64(c.cfg.ReconnectionDelay), 0, c.Reconnect)
	loop.RegisterTimer(int64(c.cfg.MetaDownloadFreq)*3600, 630, c.MetaDownloadInit)
	loop.RegisterTimer(60, 0, c.SessionsDownloadInit)
	loop.RegisterTimer(1, 0, c.FlushChangelog)
	loop.RegisterReload(c.Reload)
	loop.RegisterDestruct(c.Term)
}

// Stats returns and resets the byte counters since the previous call.
func (c *MasterConn) Stats() (bytesIn uint32, bytesOut uint32) {
	bytesIn, bytesOut = c.bytesIn, c.bytesOut
	c.bytesIn, c.bytesOut = 0, 0
	return bytesIn, bytesOut
}

// createPacket allocates an outgoing packet, queues it and returns a
// writer for its payload.
func (c *MasterConn) createPacket(typ uint32, size uint32) *pack.Writer {
	p := packet.New(typ, size)
	c.outQueue.Push(p)
	return p.Writer()
}

func (c *MasterConn) sendRegister() {
	c.downloading = 0
	c.metaFd = -1

	w := c.createPacket(metalogger.MltomaRegister, 1+4+2)
	w.PutUint8(1)
	w.PutUint16(metalogger.VersionMajor)
	w.PutUint8(metalogger.VersionMid)
	w.PutUint8(metalogger.VersionMin)
	w.PutUint16(uint16(c.cfg.Timeout))
}

func (c *MasterConn) gotPacket(typ uint32, data []byte) {
	switch typ {
	case metalogger.AntoanNop:
	case metalogger.MatomlMetachangesLog:
		c.metachangesLog(data)
	case metalogger.MatomlDownloadStart:
		c.downloadStart(data)
	case metalogger.MatomlDownloadData:
		c.downloadData(data)
	default:
		c.logger.Info("got unknown message from master", "type", typ)
		c.mode = ModeKill
	}
}

// InitConnect resolves the master address if needed and starts a
// non-blocking connection attempt.
func (c *MasterConn) InitConnect() error {
	if !c.addrValid {
		if ip, _, err := sockets.Resolve(c.cfg.BindHost, ""); err == nil {
			c.bindIP = ip
		} else {
			c.bindIP = 0
		}
		ip, port, err := sockets.Resolve(c.cfg.MasterHost, c.cfg.MasterPort)
		if err != nil {
			c.logger.Warn("can't resolve master host/port",
				"host", c.cfg.MasterHost,
				"port", c.cfg.MasterPort,
				"err", err,
			)
			return err
		}
		c.masterIP = ip
		c.masterPort = port
		c.addrValid = true
	}
	fd, err := sockets.New()
	if err != nil {
		c.logger.Warn("create socket error", "err", err)
		return err
	}
	c.sock = fd
	if err := sockets.SetNonblock(fd); err != nil {
		c.logger.Warn("set nonblock error", "err", err)
		sockets.Close(fd)
		c.sock = -1
		return err
	}
	if c.bindIP > 0 {
		if err := sockets.Bind(fd, c.bindIP); err != nil {
			c.logger.Warn("can't bind socket to given ip", "err", err)
			sockets.Close(fd)
			c.sock = -1
			return err
		}
	}
	done, err := sockets.Connect(fd, c.masterIP, c.masterPort)
	if err != nil {
		c.logger.Warn("connect failed", "err", err)
		sockets.Close(fd)
		c.sock = -1
		return err
	}
	if done {
		c.logger.Info("connected to master immediately")
		c.connected()
	} else {
		c.mode = ModeConnecting
		c.logger.Info("connecting to master",
			"host", c.cfg.MasterHost,
			"port", c.cfg.MasterPort,
		)
	}
	return nil
}

// connectTest inspects the socket once writable readiness (or an error
// condition) is seen while connecting.
func (c *MasterConn) connectTest() {
	if err := sockets.SockError(c.sock); err != nil {
		c.logger.Warn("connection failed", "err", err)
		sockets.Close(c.sock)
		c.sock = -1
		c.mode = ModeFree
		return
	}
	c.logger.Info("connected to master")
	c.connected()
}

func (c *MasterConn) connected() {
	sockets.SetNoDelay(c.sock)
	c.mode = ModeHeader
	c.inNeed = c.hdrBuf[:]
	c.inPacket = nil
	c.outQueue.Reset()

	c.sendRegister()
	c.MetaDownloadInit()
	now := time.Now().Unix()
	c.lastRead = now
	c.lastWrite = now
}

func (c *MasterConn) read() {
	for {
		n, err := unix.Read(c.sock, c.inNeed)
		if err != nil {
			if err != unix.EAGAIN {
				c.logger.Info("read from master error", "err", err)
				c.mode = ModeKill
			}
			return
		}
		if n == 0 {
			c.logger.Info("connection was reset by master")
			c.mode = ModeKill
			return
		}
		c.bytesIn += uint32(n)
		c.inNeed = c.inNeed[n:]
		if len(c.inNeed) > 0 {
			return
		}

		if c.mode == ModeHeader {
			_, size := packet.DecodeHeader(c.hdrBuf[:])
			if size > 0 {
				if size > metalogger.MaxPacketSize {
					c.logger.Warn("master packet too long",
						"size", size,
						"max", metalogger.MaxPacketSize,
					)
					c.mode = ModeKill
					return
				}
				c.inPacket = make([]byte, size)
				c.inNeed = c.inPacket
				c.mode = ModeData
				continue
			}
			c.mode = ModeData
		}

		if c.mode == ModeData {
			typ, _ := packet.DecodeHeader(c.hdrBuf[:])
			payload := c.inPacket

			c.mode = ModeHeader
			c.inNeed = c.hdrBuf[:]
			c.inPacket = nil

			c.gotPacket(typ, payload)
			if c.mode != ModeHeader {
				return
			}
		}
	}
}

func (c *MasterConn) write() {
	for {
		p := c.outQueue.Front()
		if p == nil {
			return
		}
		n, err := unix.Write(c.sock, p.Remaining())
		if err != nil {
			if err != unix.EAGAIN {
				c.logger.Info("write to master error", "err", err)
				c.mode = ModeKill
			}
			return
		}
		c.bytesOut += uint32(n)
		p.Advance(n)
		if !p.Done() {
			return
		}
		c.outQueue.Pop()
	}
}

// Descriptor implements runtime.PollHandler.
func (c *MasterConn) Descriptor() (int, int16, bool) {
	if c.mode == ModeFree || c.sock < 0 {
		return -1, 0, false
	}
	var events int16
	if c.mode == ModeHeader || c.mode == ModeData {
		events |= unix.POLLIN
		if !c.outQueue.Empty() {
			events |= unix.POLLOUT
		}
	}
	if c.mode == ModeConnecting {
		events |= unix.POLLOUT
	}
	if events == 0 {
		return -1, 0, false
	}
	return c.sock, events, true
}

// Serve implements runtime.PollHandler. It drives one round of the
// connection state machine: connection completion, reads, writes,
// timeout supervision, keep-alives and the Kill cleanup transition.
func (c *MasterConn) Serve(revents int16, now int64) {
	if revents&(unix.POLLHUP|unix.POLLERR) != 0 {
		if c.mode == ModeConnecting {
			c.connectTest()
		} else {
			c.mode = ModeKill
		}
	}
	if c.mode == ModeConnecting {
		if c.sock >= 0 && revents&unix.POLLOUT != 0 {
			c.connectTest()
		}
	} else {
		if (c.mode == ModeHeader || c.mode == ModeData) && revents&unix.POLLIN != 0 {
			c.lastRead = now
			c.read()
		}
		if (c.mode == ModeHeader || c.mode == ModeData) && revents&unix.POLLOUT != 0 {
			c.lastWrite = now
			c.write()
		}
		if (c.mode == ModeHeader || c.mode == ModeData) && c.lastRead+int64(c.cfg.Timeout) < now {
			c.logger.Info("master timeout, closing session")
			c.mode = ModeKill
		}
		if (c.mode == ModeHeader || c.mode == ModeData) && c.lastWrite+int64(c.cfg.Timeout/2) < now && c.outQueue.Empty() {
			c.createPacket(metalogger.AntoanNop, 0)
		}
	}
	if c.mode == ModeKill {
		c.closeSession()
	}
}

// closeSession releases everything owned by the current session and
// returns to Free; the reconnection tick takes it from there.
func (c *MasterConn) closeSession() {
	c.beforeClose()
	sockets.Close(c.sock)
	c.sock = -1
	c.inNeed = nil
	c.inPacket = nil
	c.outQueue.Reset()
	c.mode = ModeFree
}

// beforeClose is the at-close cleanup: old-master detection, half
// written temp files and the change-log file.
func (c *MasterConn) beforeClose() {
	if c.downloading == FileChangelog0 || c.downloading == FileChangelog1 {
		c.logger.Warn("old master detected - please upgrade your master server and then restart metalogger")
		c.oldMaster = true
	}
	if c.metaFd >= 0 {
		unix.Close(c.metaFd)
		c.metaFd = -1
		os.Remove(tmpMetadataName)
		os.Remove(tmpSessionsName)
		os.Remove(tmpChangelogName)
	}
	c.closeChangelog()
}

// Reconnect is the periodic reconnection tick.
func (c *MasterConn) Reconnect() {
	if c.mode == ModeFree {
		c.InitConnect()
	}
}

// Reload forces DNS re-resolution on the next connection attempt.
func (c *MasterConn) Reload() {
	c.addrValid = false
}

// Term is the shutdown hook: it closes the socket, removes any
// half-written temp files and closes the change log.
func (c *MasterConn) Term() {
	if c.mode != ModeFree {
		sockets.Close(c.sock)
		c.sock = -1
	}
	if c.metaFd >= 0 {
		unix.Close(c.metaFd)
		c.metaFd = -1
		os.Remove(tmpMetadataName)
		os.Remove(tmpSessionsName)
		os.Remove(tmpChangelogName)
	}
	c.closeChangelog()
	c.inNeed = nil
	c.inPacket = nil
	c.outQueue.Reset()
	c.mode = ModeFree
}
