package node

import "time"

// Handle is the OS descriptor of an open socket.
type Handle = int

// Interest is the set of readiness conditions a handle is registered for.
type Interest uint32

const (
	Readable Interest = 1 << iota
	Writable
	// EdgeTriggered asks for a notification on each transition to ready only.
	// Whoever consumes such an event must drain the handle until it would block.
	EdgeTriggered
)

func (i Interest) String() string {
	s := ""
	if i&Readable != 0 {
		s += "r"
	}
	if i&Writable != 0 {
		s += "w"
	}
	if i&EdgeTriggered != 0 {
		s += "e"
	}
	if s == "" {
		return "-"
	}
	return s
}

// Event is one ready handle reported by Poller.Wait.
type Event struct {
	Fd       Handle
	Readable bool
	Writable bool
	// Hangup covers EPOLLHUP and EPOLLERR.
	Hangup bool
	// Wake is set on the single event that reports a Poller.Wake call. Fd is
	// meaningless on it.
	Wake bool
}

// Poller is a wrapper around the OS readiness facility. It keeps track of the
// handles registered with it.
//
// Every method except Wake must be called from the dispatch goroutine.
type Poller interface {
	Register(fd Handle, in Interest) error
	Modify(fd Handle, in Interest) error
	// Deregister is a no-op for handles that are not registered.
	Deregister(fd Handle) error
	// Wait blocks until at least one handle is ready, Wake is called or the
	// timeout expires. A negative timeout blocks indefinitely. Each handle is
	// reported at most once per call.
	Wait(timeout time.Duration) ([]Event, error)
	// Wake interrupts a blocked Wait. Safe from any goroutine.
	Wake() error
	// Registered returns the handles currently registered, in no order.
	Registered() []Handle
	Close() error
}
