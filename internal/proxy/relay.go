package proxy

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/remote-exercises/ref-core/pkg/constants"
)

// endpoint is one socket of a relay together with the bytes read from it that
// still have to be written to the other side.
type endpoint struct {
	name    string
	fd      int
	pending []byte
	eof     bool
	shutWr  bool

	bytesRead    uint64
	bytesWritten uint64
	wakeups      uint64
}

// RelayStats summarizes a finished relay.
type RelayStats struct {
	ClientToDst uint64
	DstToClient uint64
	Wakeups     uint64
	Buffered    int
	Duration    time.Duration
	Reason      string
}

var errIdleTimeout = errors.New("idle timeout")

func rawFD(c syscall.Conn) (int, error) {
	rc, err := c.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := rc.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, err
	}
	return fd, nil
}

type relay struct {
	client, dst *endpoint
	idleTimeout time.Duration
	maxPending  int
	statsEvery  time.Duration
	onStats     func(RelayStats)
	buf         []byte
	started     time.Time
	lastStats   time.Time
}

func newRelay(client, dst syscall.Conn, idleTimeout time.Duration) (*relay, error) {
	cfd, err := rawFD(client)
	if err != nil {
		return nil, fmt.Errorf("client socket: %w", err)
	}
	dfd, err := rawFD(dst)
	if err != nil {
		return nil, fmt.Errorf("destination socket: %w", err)
	}
	now := time.Now()
	return &relay{
		client:      &endpoint{name: "client", fd: cfd},
		dst:         &endpoint{name: "dst", fd: dfd},
		idleTimeout: idleTimeout,
		maxPending:  constants.RelayMaxPending,
		statsEvery:  constants.WorkerStatsInterval,
		buf:         make([]byte, constants.RelayChunkSize),
		started:     now,
		lastStats:   now,
	}, nil
}

// run shuttles bytes in both directions until both sides reached EOF and
// everything read was written, a socket fails, or nothing happens for the idle
// timeout. It only ever waits inside poll.
func (r *relay) run() (RelayStats, error) {
	err := r.loop()
	return r.stats(reasonOf(err)), err
}

func reasonOf(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, errIdleTimeout):
		return "idle"
	default:
		return "error"
	}
}

func (r *relay) loop() error {
	for {
		if r.client.eof && r.dst.eof && len(r.client.pending) == 0 && len(r.dst.pending) == 0 {
			return nil
		}

		fds := make([]unix.PollFd, 0, 2)
		for _, pair := range [][2]*endpoint{{r.client, r.dst}, {r.dst, r.client}} {
			self, other := pair[0], pair[1]
			var events int16
			// A side whose data the other end does not take fast enough is
			// not read until its backlog drains.
			if !self.eof && len(self.pending) < r.maxPending {
				events |= unix.POLLIN
			}
			if len(other.pending) > 0 {
				events |= unix.POLLOUT
			}
			if events != 0 {
				fds = append(fds, unix.PollFd{Fd: int32(self.fd), Events: events})
			}
		}

		n, err := unix.Poll(fds, int(r.idleTimeout/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			return errIdleTimeout
		}

		for _, pfd := range fds {
			if pfd.Revents == 0 {
				continue
			}
			e := r.byFD(int(pfd.Fd))
			e.wakeups++
			if pfd.Revents&unix.POLLNVAL != 0 {
				return fmt.Errorf("%s socket: invalid descriptor", e.name)
			}
			if !e.eof && pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
				if err := r.read(e); err != nil {
					return err
				}
			}
		}

		// Data read above is written right away; a socket that is not ready
		// just takes nothing.
		if err := r.flush(r.dst, r.client); err != nil {
			return err
		}
		if err := r.flush(r.client, r.dst); err != nil {
			return err
		}

		r.maybeLogStats()
	}
}

func (r *relay) byFD(fd int) *endpoint {
	if fd == r.client.fd {
		return r.client
	}
	return r.dst
}

func (r *relay) read(e *endpoint) error {
	n, err := unix.Read(e.fd, r.buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("read %s: %w", e.name, err)
	}
	if n == 0 {
		e.eof = true
		return nil
	}
	e.bytesRead += uint64(n)
	e.pending = append(e.pending, r.buf[:n]...)
	return nil
}

// flush writes what was read from `from` into `to`. Once `from` is at EOF and
// fully flushed, the write half of `to` is shut down.
func (r *relay) flush(from, to *endpoint) error {
	if len(from.pending) > 0 {
		n, err := unix.Write(to.fd, from.pending)
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
				return fmt.Errorf("write %s: %w", to.name, err)
			}
			n = 0
		}
		to.bytesWritten += uint64(n)
		from.pending = from.pending[n:]
		if len(from.pending) == 0 {
			from.pending = nil
		}
	}

	if from.eof && len(from.pending) == 0 && !to.shutWr {
		to.shutWr = true
		if err := unix.Shutdown(to.fd, unix.SHUT_WR); err != nil && !errors.Is(err, unix.ENOTCONN) {
			return fmt.Errorf("shutdown %s: %w", to.name, err)
		}
	}
	return nil
}

func (r *relay) stats(reason string) RelayStats {
	return RelayStats{
		ClientToDst: r.dst.bytesWritten,
		DstToClient: r.client.bytesWritten,
		Wakeups:     r.client.wakeups + r.dst.wakeups,
		Buffered:    len(r.client.pending) + len(r.dst.pending),
		Duration:    time.Since(r.started),
		Reason:      reason,
	}
}

func (r *relay) maybeLogStats() {
	if r.onStats == nil || time.Since(r.lastStats) < r.statsEvery {
		return
	}
	r.lastStats = time.Now()
	r.onStats(r.stats("active"))
}
