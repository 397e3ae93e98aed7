//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based reactor implementation and factory. Level-triggered
// (no EPOLLET): the loop relies on being told again next Wait call about a
// socket that still has bytes buffered or room to write, per the
// drain-until-would-block protocol of spec.md §4.4.
package reactor

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// linuxReactor is an epoll-based event reactor.
type linuxReactor struct {
	epfd     int
	wakeupFd int // eventfd used to interrupt a blocked EpollWait

	mu      sync.Mutex
	userDat map[int]uintptr // fd -> UserData, since epoll_event has no room for a uintptr payload
}

// NewReactor constructs a new platform-specific EventReactor for Linux.
func NewReactor() (EventReactor, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	r := &linuxReactor{epfd: epfd, wakeupFd: efd, userDat: make(map[int]uintptr)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, efd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(efd)}); err != nil {
		unix.Close(epfd)
		unix.Close(efd)
		return nil, err
	}
	return r, nil
}

func toEpollEvents(i Interest) uint32 {
	var ev uint32
	if i&InterestRead != 0 {
		ev |= unix.EPOLLIN
	}
	if i&InterestWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Register adds file descriptor to epoll.
func (r *linuxReactor) Register(fd uintptr, interest Interest, udata uintptr) error {
	r.mu.Lock()
	r.userDat[int(fd)] = udata
	r.mu.Unlock()
	ev := &unix.EpollEvent{Events: toEpollEvents(interest), Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, int(fd), ev)
}

// Modify changes the interest set for an already-registered fd.
func (r *linuxReactor) Modify(fd uintptr, interest Interest) error {
	ev := &unix.EpollEvent{Events: toEpollEvents(interest), Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, int(fd), ev)
}

// Unregister stops watching fd.
func (r *linuxReactor) Unregister(fd uintptr) error {
	r.mu.Lock()
	delete(r.userDat, int(fd))
	r.mu.Unlock()
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, int(fd), nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

// Wait waits for epoll events and fills the result into events slice.
func (r *linuxReactor) Wait(events []Event, timeout time.Duration) (int, error) {
	rawEvents := make([]unix.EpollEvent, len(events))
	ms := int(timeout / time.Millisecond)
	if timeout < 0 {
		ms = -1
	}
	n, err := unix.EpollWait(r.epfd, rawEvents, ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	out := 0
	for i := 0; i < n; i++ {
		fd := int(rawEvents[i].Fd)
		if fd == r.wakeupFd {
			var buf [8]byte
			unix.Read(r.wakeupFd, buf[:])
			continue
		}
		r.mu.Lock()
		udata := r.userDat[fd]
		r.mu.Unlock()
		events[out] = Event{
			Fd:       uintptr(fd),
			UserData: udata,
			Readable: rawEvents[i].Events&unix.EPOLLIN != 0,
			Writable: rawEvents[i].Events&unix.EPOLLOUT != 0,
			Errored:  rawEvents[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		}
		out++
	}
	return out, nil
}

// Wakeup interrupts a blocked EpollWait from another goroutine.
func (r *linuxReactor) Wakeup() error {
	buf := [8]byte{1, 0, 0, 0, 0, 0, 0, 0}
	_, err := unix.Write(r.wakeupFd, buf[:])
	if err == unix.EAGAIN {
		return nil // already has a pending wakeup, no need to add another
	}
	return err
}

// Close closes the epoll instance.
func (r *linuxReactor) Close() error {
	unix.Close(r.wakeupFd)
	return unix.Close(r.epfd)
}
