//go:build linux
// +build linux

package node

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// DefaultBacklog is the listen(2) backlog when none is configured.
const DefaultBacklog = 10

// Listener owns the bound, listening server socket. The socket is
// non-blocking so Accept never stalls the dispatch loop.
type Listener struct {
	fd int
}

// Listen creates an IPv4 TCP socket bound to host:port and starts listening.
// An empty host binds every interface, port 0 picks an ephemeral port.
func Listen(host string, port, backlog int) (*Listener, error) {
	sa := &unix.SockaddrInet4{Port: port}
	if host != "" {
		ip := net.ParseIP(host).To4()
		if ip == nil {
			return nil, fmt.Errorf("%w: %q is not an IPv4 address", ErrBind, host)
		}
		copy(sa.Addr[:], ip)
	}
	if backlog <= 0 {
		backlog = DefaultBacklog
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBind, os.NewSyscallError("socket", err))
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %v", ErrBind, os.NewSyscallError("setsockopt", err))
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %s:%d: %v", ErrBind, host, port, os.NewSyscallError("bind", err))
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %v", ErrListen, os.NewSyscallError("listen", err))
	}

	return &Listener{fd: fd}, nil
}

func (l *Listener) Fd() Handle {
	return l.fd
}

// Addr reports the bound address, resolving an ephemeral port.
func (l *Listener) Addr() (*net.TCPAddr, error) {
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return nil, os.NewSyscallError("getsockname", err)
	}
	addr, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return nil, fmt.Errorf("unexpected listener address %T", sa)
	}
	return &net.TCPAddr{IP: net.IPv4(addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3]), Port: addr.Port}, nil
}

// Accept takes one pending connection off the queue. The returned handle is
// already non-blocking. ErrWouldBlock means the queue is empty; any other
// error concerns this attempt only.
func (l *Listener) Accept() (Handle, string, error) {
	connFd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return -1, "", ErrWouldBlock
		}
		return -1, "", fmt.Errorf("%w: %v", ErrAccept, os.NewSyscallError("accept4", err))
	}

	var ip string
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		ip = net.IPv4(addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3]).String()
	case *unix.SockaddrInet6:
		ip = net.IP(addr.Addr[:]).String()
	}

	return connFd, ip, nil
}

func (l *Listener) Close() error {
	if l.fd < 0 {
		return nil
	}
	err := unix.Close(l.fd)
	l.fd = -1
	if err != nil {
		return os.NewSyscallError("close listener", err)
	}
	return nil
}
