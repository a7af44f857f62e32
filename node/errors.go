package node

import "errors"

var (
	// ErrSetup wraps every failure that aborts Start before the loop runs.
	ErrSetup = errors.New("server setup failed")

	ErrBind   = errors.New("bind failed")
	ErrListen = errors.New("listen failed")
	ErrAccept = errors.New("accept failed")

	// ErrWouldBlock is not a failure: nothing is ready, go back to Wait.
	ErrWouldBlock = errors.New("operation would block")

	// ErrPeerClosed is returned by Receive after a zero-length read.
	ErrPeerClosed = errors.New("peer closed connection")

	// ErrFatalLoop is returned by Start when the poller can no longer be waited on.
	ErrFatalLoop = errors.New("event loop failed")

	ErrDuplicateHandle = errors.New("handle already registered")
	ErrNotFound        = errors.New("handle not found")
	ErrServerClosed    = errors.New("server closed")
	ErrOutboundFull    = errors.New("outbound buffer full")
	ErrAlreadyRunning  = errors.New("server already running")
	ErrConnClosed      = errors.New("connection closed")
)
