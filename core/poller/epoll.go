//go:build linux
// +build linux

package poller

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const maxEvents = 1024

// EpollPoller is an epoll-based I/O multiplexer with an eventfd for wakeups
type EpollPoller struct {
	epfd    int
	wakefd  int
	events  []unix.EpollEvent
	ready   []Event
	closed  atomic.Bool
	wakeBuf [8]byte

	// wakeMu keeps Close from releasing wakefd under a concurrent Wake
	wakeMu sync.RWMutex
}

// NewPoller creates a new Poller (Linux)
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	p := &EpollPoller{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, maxEvents),
		ready:  make([]Event, 0, maxEvents),
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl add eventfd: %w", err)
	}

	return p, nil
}

func toEpoll(e Events) uint32 {
	var ev uint32
	if e.Any(Readable) {
		ev |= unix.EPOLLIN
	}
	if e.Any(Writable) {
		ev |= unix.EPOLLOUT
	}
	if e.Any(PeerClosed) {
		ev |= unix.EPOLLRDHUP
	}
	if e.Any(EdgeTriggered) {
		ev |= unix.EPOLLET
	}
	if e.Any(OneShot) {
		ev |= unix.EPOLLONESHOT
	}
	return ev
}

func fromEpoll(ev uint32) Events {
	var e Events
	if ev&unix.EPOLLIN != 0 {
		e |= Readable
	}
	if ev&unix.EPOLLOUT != 0 {
		e |= Writable
	}
	if ev&unix.EPOLLRDHUP != 0 {
		e |= PeerClosed
	}
	if ev&unix.EPOLLHUP != 0 {
		e |= Hangup
	}
	if ev&unix.EPOLLERR != 0 {
		e |= Error
	}
	return e
}

// Register adds fd to the interest set
func (p *EpollPoller) Register(fd int, interest Events) error {
	ev := unix.EpollEvent{Events: toEpoll(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

// Modify replaces the interest of fd; for one-shot descriptors this re-arms them
func (p *EpollPoller) Modify(fd int, interest Events) error {
	ev := unix.EpollEvent{Events: toEpoll(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl mod fd %d: %w", fd, err)
	}
	return nil
}

// Deregister removes fd from the interest set
func (p *EpollPoller) Deregister(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// Wait waits for I/O events
func (p *EpollPoller) Wait(timeoutMs int) ([]Event, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}

	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return p.ready[:0], nil
		}
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}

	p.ready = p.ready[:0]
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		if fd == p.wakefd {
			p.drainWake()
			continue
		}
		p.ready = append(p.ready, Event{Fd: fd, Events: fromEpoll(p.events[i].Events)})
	}

	return p.ready, nil
}

func (p *EpollPoller) drainWake() {
	for {
		if _, err := unix.Read(p.wakefd, p.wakeBuf[:]); err != nil {
			return
		}
	}
}

// Wake interrupts a blocked Wait. It returns ErrClosed after Close.
func (p *EpollPoller) Wake() error {
	p.wakeMu.RLock()
	defer p.wakeMu.RUnlock()
	if p.closed.Load() {
		return ErrClosed
	}

	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, err := unix.Write(p.wakefd, one[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

// Close closes the Poller
func (p *EpollPoller) Close() error {
	p.wakeMu.Lock()
	defer p.wakeMu.Unlock()
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	unix.Close(p.wakefd)
	return unix.Close(p.epfd)
}
