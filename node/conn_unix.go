//go:build linux
// +build linux

package node

import (
	"bytes"
	"fmt"
	"os"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const readChunk = 4096

// Conn wraps one accepted client socket. It is owned by the Registry and
// only ever touched from the dispatch goroutine; handlers borrow it for the
// duration of a callback.
type Conn struct {
	fd    Handle
	id    string
	ip    string
	state ConnState

	inbound  []byte
	readBuf  []byte
	maxIn    int
	outbound bytes.Buffer
	maxOut   int

	// queued is set while the dispatcher owes c another Receive.
	queued bool

	poller Poller
}

func newConn(fd Handle, ip string, poller Poller, maxIn, maxOut int) *Conn {
	if maxIn <= 0 {
		maxIn = DefaultMaxInboundBytes
	}
	if maxOut <= 0 {
		maxOut = DefaultMaxOutboundBytes
	}
	return &Conn{
		fd:      fd,
		id:      uuid.NewString(),
		ip:      ip,
		readBuf: make([]byte, readChunk),
		maxIn:   maxIn,
		maxOut:  maxOut,
		poller:  poller,
	}
}

// Receive reads until the socket would block or MaxInbound bytes are
// collected, whichever comes first. A full payload means more may be waiting:
// call Receive again until it returns less. With nothing pending it returns
// nil, nil. After a zero-length read it returns the bytes read before it
// together with ErrPeerClosed.
func (c *Conn) Receive() ([]byte, error) {
	if c.state == StateClosed {
		return nil, ErrConnClosed
	}

	for len(c.inbound) < c.maxIn {
		buf := c.readBuf
		if room := c.maxIn - len(c.inbound); room < len(buf) {
			buf = buf[:room]
		}
		n, err := unix.Read(c.fd, buf)
		if n > 0 {
			c.inbound = append(c.inbound, buf[:n]...)
			continue
		}
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if IsTemporaryError(err) {
				return c.takeInbound(), nil
			}
			return c.takeInbound(), os.NewSyscallError("read", err)
		}
		return c.takeInbound(), ErrPeerClosed
	}
	return c.takeInbound(), nil
}

func (c *Conn) takeInbound() []byte {
	if len(c.inbound) == 0 {
		return nil
	}
	data := c.inbound
	c.inbound = nil
	return data
}

// Send writes p without blocking. Whatever the socket does not take now is
// buffered and flushed when the dispatcher sees the handle writable.
func (c *Conn) Send(p []byte) error {
	if c.state == StateClosed {
		return ErrConnClosed
	}
	if len(p) == 0 {
		return nil
	}

	// keep ordering behind bytes already queued
	if c.outbound.Len() > 0 {
		return c.enqueue(p)
	}

	n, err := c.write(p)
	if err != nil {
		return err
	}
	if n < len(p) {
		return c.enqueue(p[n:])
	}
	return nil
}

func (c *Conn) write(p []byte) (int, error) {
	for {
		n, err := unix.Write(c.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if IsTemporaryError(err) {
				return 0, nil
			}
			return 0, os.NewSyscallError("write", err)
		}
		return n, nil
	}
}

func (c *Conn) enqueue(p []byte) error {
	if c.outbound.Len()+len(p) > c.maxOut {
		return fmt.Errorf("fd %d: %w (%d bytes pending)", c.fd, ErrOutboundFull, c.outbound.Len())
	}
	c.outbound.Write(p)
	return c.poller.Modify(c.fd, clientInterest|Writable)
}

// flush writes queued bytes until the socket would block. Once the queue is
// empty write interest is dropped again.
func (c *Conn) flush() error {
	for c.outbound.Len() > 0 {
		n, err := c.write(c.outbound.Bytes())
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		c.outbound.Next(n)
	}
	return c.poller.Modify(c.fd, clientInterest)
}

// Close asks the dispatcher to tear the connection down. Queued output gets
// one last flush attempt. Arming write interest makes the handle show up in
// the next Wait even when c is not the connection being served.
func (c *Conn) Close() {
	if c.state != StateOpen {
		return
	}
	c.state = StateClosing
	_ = c.poller.Modify(c.fd, clientInterest|Writable)
}

// release closes the socket. The caller deregisters it first.
func (c *Conn) release() error {
	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed
	c.outbound.Reset()
	c.inbound = nil
	if err := closeFd(c.fd); err != nil {
		return os.NewSyscallError("close", err)
	}
	return nil
}

func (c *Conn) Fd() Handle {
	return c.fd
}

// ID identifies the connection for its whole life, unlike the descriptor
// which the OS recycles.
func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) IP() string {
	return c.ip
}

func (c *Conn) State() ConnState {
	return c.state
}

// MaxInbound is the largest payload one Receive returns.
func (c *Conn) MaxInbound() int {
	return c.maxIn
}

// Pending is the number of queued outbound bytes.
func (c *Conn) Pending() int {
	return c.outbound.Len()
}
