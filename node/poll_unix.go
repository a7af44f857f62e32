//go:build linux
// +build linux

package node

import (
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// https://copyconstruct.medium.com/the-method-to-epolls-madness-d9d2d6378642

const (
	readEvents  = unix.EPOLLIN | unix.EPOLLPRI | unix.EPOLLRDHUP
	writeEvents = unix.EPOLLOUT
	errEvents   = unix.EPOLLERR | unix.EPOLLHUP
)

// DefaultMaxEvents bounds how many ready handles a single Wait reports.
const DefaultMaxEvents = 1024

var _ Poller = (*EpollPoller)(nil)

// EpollPoller implements Poller with epoll. A non-blocking eventfd is
// registered next to the caller's handles so that Wake can interrupt
// epoll_wait from another goroutine.
type EpollPoller struct {
	epollFd int
	efd     int
	set     map[Handle]Interest

	events []unix.EpollEvent
	ready  []Event

	mu     sync.RWMutex // guards efd against Wake racing Close
	closed bool
}

func NewEpollPoller(maxEvents int) (*EpollPoller, error) {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}

	// the eventfd stays level-triggered until drained by Wait
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, efd, &unix.EpollEvent{Fd: int32(efd), Events: unix.EPOLLIN}); err != nil {
		unix.Close(efd)
		unix.Close(epfd)
		return nil, os.NewSyscallError("epoll_ctl add", err)
	}

	return &EpollPoller{
		epollFd: epfd,
		efd:     efd,
		set:     make(map[Handle]Interest),
		events:  make([]unix.EpollEvent, maxEvents),
		ready:   make([]Event, 0, maxEvents),
	}, nil
}

func epollEvents(in Interest) uint32 {
	var ev uint32
	if in&Readable != 0 {
		ev |= readEvents
	}
	if in&Writable != 0 {
		ev |= writeEvents
	}
	if in&EdgeTriggered != 0 {
		ev |= unix.EPOLLET
	}
	return ev
}

// Register adds fd to epoll. Registering a handle twice is an error: the
// registered set must mirror the live handles exactly.
func (p *EpollPoller) Register(fd Handle, in Interest) error {
	if _, ok := p.set[fd]; ok {
		return fmt.Errorf("register fd %d: %w", fd, ErrDuplicateHandle)
	}
	err := unix.EpollCtl(p.epollFd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: epollEvents(in)})
	if err != nil {
		return os.NewSyscallError("epoll_ctl add", err)
	}
	p.set[fd] = in
	return nil
}

// Modify replaces the interest of an already registered fd.
func (p *EpollPoller) Modify(fd Handle, in Interest) error {
	cur, ok := p.set[fd]
	if !ok {
		return fmt.Errorf("modify fd %d: %w", fd, ErrNotFound)
	}
	if cur == in {
		return nil
	}
	err := unix.EpollCtl(p.epollFd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: epollEvents(in)})
	if err != nil {
		return os.NewSyscallError("epoll_ctl mod", err)
	}
	p.set[fd] = in
	return nil
}

// Deregister removes fd from epoll. It must run before fd is closed, or a
// recycled descriptor could inherit the stale registration.
func (p *EpollPoller) Deregister(fd Handle) error {
	if _, ok := p.set[fd]; !ok {
		return nil
	}
	// the entry is dropped even if the kernel refuses, the caller is about
	// to close fd and the kernel forgets it then anyway
	delete(p.set, fd)
	if err := unix.EpollCtl(p.epollFd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return os.NewSyscallError("epoll_ctl del", err)
	}
	return nil
}

// Wait blocks in epoll_wait. The returned slice is reused by the next call.
func (p *EpollPoller) Wait(timeout time.Duration) ([]Event, error) {
	msec := -1
	if timeout >= 0 {
		msec = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}

	var n int
	var err error
	for {
		n, err = unix.EpollWait(p.epollFd, p.events, msec)
		if err == unix.EINTR {
			continue
		}
		break
	}
	if err != nil {
		return nil, os.NewSyscallError("epoll_wait", err)
	}

	p.ready = p.ready[:0]
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		fd := int(ev.Fd)
		if fd == p.efd {
			p.drainWake()
			p.ready = append(p.ready, Event{Fd: -1, Wake: true})
			continue
		}
		p.ready = append(p.ready, Event{
			Fd:       fd,
			Readable: ev.Events&readEvents != 0,
			Writable: ev.Events&writeEvents != 0,
			Hangup:   ev.Events&errEvents != 0,
		})
	}
	return p.ready, nil
}

func (p *EpollPoller) drainWake() {
	var buf uint64
	// EAGAIN means another Wait already consumed the counter
	_, _ = unix.Read(p.efd, (*(*[8]byte)(unsafe.Pointer(&buf)))[:])
}

// Wake writes to the eventfd, making the current or next Wait return.
func (p *EpollPoller) Wake() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrServerClosed
	}

	one := uint64(1)
	_, err := unix.Write(p.efd, (*(*[8]byte)(unsafe.Pointer(&one)))[:])
	if err == unix.EAGAIN {
		// counter saturated, a wake-up is already pending
		return nil
	}
	if err != nil {
		return os.NewSyscallError("eventfd write", err)
	}
	return nil
}

func (p *EpollPoller) Registered() []Handle {
	fds := make([]Handle, 0, len(p.set))
	for fd := range p.set {
		fds = append(fds, fd)
	}
	return fds
}

// Close releases the eventfd and the epoll instance. Handles still
// registered are forgotten, not closed: they belong to the caller.
func (p *EpollPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var err error
	if e := unix.EpollCtl(p.epollFd, unix.EPOLL_CTL_DEL, p.efd, nil); e != nil {
		err = multierr.Append(err, os.NewSyscallError("epoll_ctl del", e))
	}
	if e := unix.Close(p.efd); e != nil {
		err = multierr.Append(err, os.NewSyscallError("close eventfd", e))
	}
	if e := unix.Close(p.epollFd); e != nil {
		err = multierr.Append(err, os.NewSyscallError("close epoll", e))
	}
	p.set = make(map[Handle]Interest)
	return err
}
