package loop

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Direction selects which readiness a callback is registered for.
type Direction int

const (
	Read Direction = iota
	Write
)

// ChildHandler is invoked when a reaped child's wait status is known.
type ChildHandler func(pid int, ws syscall.WaitStatus)

type fdReg struct {
	fd  int
	dir Direction
	cb  func()
}

// Loop is the single-threaded cooperative scheduler described in
// spec.md §4.1 / §5: one goroutine blocks in epoll_wait with a timeout
// derived from the next timer deadline; every callback runs to
// completion before the next wait. Only the run goroutine touches the
// timer wheel, fd table or child table — callers from other goroutines
// must use Post to marshal work onto the loop.
type Loop struct {
	log *logrus.Logger

	epfd int

	mu       sync.Mutex
	posted   []func()
	wake     [2]int // self-pipe for Post() wakeups
	fds      map[int]*fdReg
	children map[int]ChildHandler

	timers *timerWheel

	sigchld chan os.Signal
	stop    chan struct{}
	done    chan struct{}
}

// New creates a Loop. It opens an epoll instance and a self-pipe used to
// wake the epoll_wait call when work is Post()ed from another goroutine.
func New(log *logrus.Logger) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	l := &Loop{
		log:      log,
		epfd:     epfd,
		fds:      make(map[int]*fdReg),
		children: make(map[int]ChildHandler),
		timers:   newTimerWheel(),
		sigchld:  make(chan os.Signal, 8),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := unix.Pipe2(l.wake[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, err
	}
	if err := l.addFD(l.wake[0], Read, l.drainWake); err != nil {
		return nil, err
	}
	signal.Notify(l.sigchld, syscall.SIGCHLD)
	return l, nil
}

func (l *Loop) drainWake() {
	var buf [64]byte
	for {
		_, err := unix.Read(l.wake[0], buf[:])
		if err != nil {
			return
		}
	}
}

// AfterFunc schedules fn to run once after d elapses.
func (l *Loop) AfterFunc(d time.Duration, fn func(now time.Time)) TimerID {
	return l.timers.insert(&timerEntry{deadline: time.Now().Add(d), fn: fn})
}

// TickerFunc schedules fn to run every period, starting one period from now.
func (l *Loop) TickerFunc(period time.Duration, fn func(now time.Time)) TimerID {
	return l.timers.insert(&timerEntry{deadline: time.Now().Add(period), period: period, fn: fn})
}

// CancelTimer is idempotent and safe to call from within a firing callback.
func (l *Loop) CancelTimer(id TimerID) {
	l.timers.cancel(id)
}

// RegisterFD arms cb to run whenever fd becomes ready for dir. Only
// valid when called from the loop goroutine (typically during
// component setup before Run).
func (l *Loop) RegisterFD(fd int, dir Direction, cb func()) error {
	return l.addFD(fd, dir, cb)
}

func (l *Loop) addFD(fd int, dir Direction, cb func()) error {
	events := uint32(unix.EPOLLIN)
	if dir == Write {
		events = unix.EPOLLOUT
	}
	l.fds[fd] = &fdReg{fd: fd, dir: dir, cb: cb}
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

// UnregisterFD removes a previously registered fd. Safe to call from a
// callback that owns fd, including the fd whose own callback is running.
func (l *Loop) UnregisterFD(fd int) {
	if _, ok := l.fds[fd]; !ok {
		return
	}
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(l.fds, fd)
}

// WatchChild registers a reap handler for pid; it fires once, from the
// loop goroutine, the next time SIGCHLD indicates pid has exited.
func (l *Loop) WatchChild(pid int, h ChildHandler) {
	l.mu.Lock()
	l.children[pid] = h
	l.mu.Unlock()
}

// Post marshals fn onto the loop goroutine. Safe to call from any
// goroutine, including signal handlers of other packages.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	_, _ = unix.Write(l.wake[1], []byte{0})
}

// Stop requests the loop to exit after the current iteration.
func (l *Loop) Stop() {
	close(l.stop)
}

// Wait blocks until the loop goroutine has returned from Run.
func (l *Loop) Wait() {
	<-l.done
}

// Run is the single blocking call of spec.md §5: it never returns until
// Stop is called. Every other call into the loop happens from inside a
// callback invoked here.
func (l *Loop) Run() {
	defer close(l.done)
	for {
		select {
		case <-l.stop:
			return
		default:
		}

		l.runPosted()
		l.reapChildren()

		now := time.Now()
		timeout := -1
		if deadline, ok := l.timers.nextDeadline(); ok {
			d := deadline.Sub(now)
			if d < 0 {
				d = 0
			}
			timeout = int(d.Milliseconds())
		}

		var events [32]unix.EpollEvent
		n, err := unix.EpollWait(l.epfd, events[:], timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			l.log.WithError(err).Error("epoll_wait failed")
			continue
		}

		// A timer due at or before the wait's start fires before the I/O
		// callbacks it raced with, per spec.md §4.1 ordering rule.
		l.timers.fireDue(time.Now())

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if reg, ok := l.fds[fd]; ok {
				reg.cb()
			}
		}
	}
}

func (l *Loop) runPosted() {
	l.mu.Lock()
	work := l.posted
	l.posted = nil
	l.mu.Unlock()
	for _, fn := range work {
		fn()
	}
}

// reapChildren drains SIGCHLD notifications and non-blockingly reaps
// every exited child, dispatching to whichever TrackedScript registered
// for that pid. Spec.md §4.1 / §5.
func (l *Loop) reapChildren() {
	select {
	case <-l.sigchld:
	default:
		return
	}
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		l.mu.Lock()
		h, ok := l.children[pid]
		if ok {
			delete(l.children, pid)
		}
		l.mu.Unlock()
		if ok && h != nil {
			h(pid, ws)
		}
	}
}
