// Package runtime provides the cooperative single-threaded main loop of
// the daemon: one poll pass over registered descriptors, second-aligned
// periodic timers, reload hooks fired on SIGHUP and destructor hooks run
// once at shutdown. All registered callbacks run sequentially on the
// loop goroutine; nothing in the stack needs locks.
package runtime

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"
)

const pollTimeoutMs = 50

// PollHandler is implemented by components that own a descriptor.
// Descriptor is called before each poll pass; active == false skips
// registration for this round. Serve is called after every pass with
// the revents observed (0 when the descriptor was not registered) and
// the current wall-clock second.
type PollHandler interface {
	Descriptor() (fd int, events int16, active bool)
	Serve(revents int16, now int64)
}

type timer struct {
	period int64
	offset int64
	fn     func()
}

type Loop struct {
	logger   *slog.Logger
	handlers []PollHandler
	timers   []timer
	reload   []func()
	destruct []func()
}

func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{logger: logger.With("service", "[LOOP]")}
}

func (l *Loop) RegisterPoll(h PollHandler) {
	l.handlers = append(l.handlers, h)
}

// RegisterTimer fires fn once per period seconds, on the wall-clock
// second satisfying (now - offset) % period == 0.
func (l *Loop) RegisterTimer(period int64, offset int64, fn func()) {
	if period <= 0 {
		period = 1
	}
	l.timers = append(l.timers, timer{period: period, offset: offset, fn: fn})
}

// RegisterReload adds a hook run when the process receives SIGHUP.
func (l *Loop) RegisterReload(fn func()) {
	l.reload = append(l.reload, fn)
}

// RegisterDestruct adds a shutdown hook. Hooks run once, in reverse
// registration order, when Run returns.
func (l *Loop) RegisterDestruct(fn func()) {
	l.destruct = append(l.destruct, fn)
}

// Run drives the loop until ctx is cancelled, then runs the destructors.
func (l *Loop) Run(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, unix.SIGHUP)
	defer signal.Stop(hup)

	lastTick := time.Now().Unix()
	fds := make([]unix.PollFd, 0, len(l.handlers))
	idx := make([]int, 0, len(l.handlers))

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("shutting down")
			for i := len(l.destruct) - 1; i >= 0; i-- {
				l.destruct[i]()
			}
			return
		case <-hup:
			l.logger.Info("reload requested")
			for _, fn := range l.reload {
				fn()
			}
		default:
		}

		fds = fds[:0]
		idx = idx[:0]
		for i, h := range l.handlers {
			if fd, events, active := h.Descriptor(); active {
				fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
				idx = append(idx, i)
			}
		}
		if len(fds) > 0 {
			if _, err := unix.Poll(fds, pollTimeoutMs); err != nil && err != unix.EINTR {
				l.logger.Error("poll error", "err", err)
			}
		} else {
			time.Sleep(pollTimeoutMs * time.Millisecond)
		}

		now := time.Now().Unix()
		for i, h := range l.handlers {
			var revents int16
			for j, hi := range idx {
				if hi == i {
					revents = fds[j].Revents
				}
			}
			h.Serve(revents, now)
		}

		for lastTick < now {
			lastTick++
			for _, t := range l.timers {
				if (lastTick-t.offset)%t.period == 0 {
					t.fn()
				}
			}
		}
	}
}
