//go:build linux

// Package epollsched provides a concrete, golang.org/x/sys/unix-backed
// implementation of nbdclient.Scheduler: a single epoll instance driving a
// run loop that dispatches readable/writable callbacks, playing the role of
// "the surrounding daemon's event-loop scheduler" spec.md §1 places out of
// scope.
package epollsched

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/oriys/tapdisk-nbd/internal/logging"
	"github.com/oriys/tapdisk-nbd/internal/nbdclient"
)

type registration struct {
	fd   int
	mode nbdclient.EventMode
	cb   nbdclient.EventCallback
}

// Loop is a single-threaded epoll event loop. It is the only goroutine
// that plays the role of "the external event loop" spec.md's engine
// assumes drives it.
type Loop struct {
	epfd int

	mu      sync.Mutex
	nextID  int
	regs    map[int]*registration
	fdState map[int]uint32 // fd -> currently-registered epoll event mask

	stopCh chan struct{}
}

// New creates an epoll instance.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("epollsched: epoll_create1: %w", err)
	}
	return &Loop{
		epfd:    epfd,
		regs:    make(map[int]*registration),
		fdState: make(map[int]uint32),
		stopCh:  make(chan struct{}),
	}, nil
}

// RegisterEvent implements nbdclient.Scheduler.
func (l *Loop) RegisterEvent(mode nbdclient.EventMode, fd int, cb nbdclient.EventCallback) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	id := l.nextID
	l.regs[id] = &registration{fd: fd, mode: mode, cb: cb}

	return id, l.syncFDLocked(fd)
}

// UnregisterEvent implements nbdclient.Scheduler.
func (l *Loop) UnregisterEvent(id int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	reg, ok := l.regs[id]
	if !ok {
		return nil
	}
	delete(l.regs, id)
	return l.syncFDLocked(reg.fd)
}

// syncFDLocked recomputes the epoll interest mask for fd from the set of
// live registrations and applies it (add/modify/delete as needed). Must be
// called with l.mu held.
func (l *Loop) syncFDLocked(fd int) error {
	var want uint32
	any := false
	for _, r := range l.regs {
		if r.fd != fd {
			continue
		}
		any = true
		if r.mode == nbdclient.EventWrite {
			want |= unix.EPOLLOUT
		} else {
			want |= unix.EPOLLIN
		}
	}

	had, wasRegistered := l.fdState[fd]
	switch {
	case !any && wasRegistered:
		delete(l.fdState, fd)
		return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	case any && !wasRegistered:
		l.fdState[fd] = want
		ev := unix.EpollEvent{Events: want, Fd: int32(fd)}
		return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	case any && wasRegistered && had != want:
		l.fdState[fd] = want
		ev := unix.EpollEvent{Events: want, Fd: int32(fd)}
		return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	default:
		return nil
	}
}

// Run blocks, dispatching callbacks, until Stop is called or an epoll_wait
// error occurs.
func (l *Loop) Run() error {
	events := make([]unix.EpollEvent, 64)
	for {
		select {
		case <-l.stopCh:
			return nil
		default:
		}

		n, err := unix.EpollWait(l.epfd, events, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epollsched: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			l.dispatch(int(events[i].Fd), events[i].Events)
		}
	}
}

func (l *Loop) dispatch(fd int, mask uint32) {
	l.mu.Lock()
	var readable, writable []nbdclient.EventCallback
	for _, r := range l.regs {
		if r.fd != fd {
			continue
		}
		if r.mode == nbdclient.EventRead && mask&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			readable = append(readable, r.cb)
		}
		if r.mode == nbdclient.EventWrite && mask&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			writable = append(writable, r.cb)
		}
	}
	l.mu.Unlock()

	for _, cb := range writable {
		cb()
	}
	for _, cb := range readable {
		cb()
	}
}

// Stop ends Run's loop at the next epoll_wait wakeup or timeout.
func (l *Loop) Stop() {
	close(l.stopCh)
}

// Close releases the epoll fd. Run must not be called again afterward.
func (l *Loop) Close() error {
	if err := unix.Close(l.epfd); err != nil {
		return err
	}
	logging.Op().Info("epoll scheduler closed")
	return nil
}
