//go:build linux
// +build linux

package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fzft/go-ircd/pidfile"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Settings is the configuration the server reads when it starts.
type Settings interface {
	Host() string
	Port() (int, error)
}

// LoopState is the dispatcher's position in its run loop.
type LoopState int32

const (
	LoopStopped LoopState = iota
	LoopIdle
	LoopDispatching
	LoopShutdown
)

func (s LoopState) String() string {
	switch s {
	case LoopStopped:
		return "stopped"
	case LoopIdle:
		return "idle"
	case LoopDispatching:
		return "dispatching"
	case LoopShutdown:
		return "shutdown"
	}
	return "unknown"
}

// Server is the single-threaded dispatcher. Start runs the whole event loop
// on the calling goroutine: listener, registry, poller and every Conn are
// only touched from there.
type Server struct {
	settings Settings
	logger   *zap.Logger
	handler  Handler

	backlog     int
	maxConns    int
	maxEvents   int
	maxIn       int
	maxOut      int
	waitTimeout time.Duration
	pidPath     string

	poller   Poller
	listener *Listener
	registry *Registry
	pid      *pidfile.PidFile
	addr     *net.TCPAddr

	// accept defaults to listener.Accept
	accept func() (Handle, string, error)
	// readAgain holds connections that yielded with input still unread
	readAgain []*Conn

	running  atomic.Bool
	stopping atomic.Bool
	state    atomic.Int32
	connCnt  atomic.Int64
	ready    chan struct{}

	mu     sync.Mutex // guards active, read by Stop from other goroutines
	active Poller
}

func NewServer(settings Settings, opts ...Option) *Server {
	s := &Server{
		settings:    settings,
		backlog:     DefaultBacklog,
		maxEvents:   DefaultMaxEvents,
		maxIn:       DefaultMaxInboundBytes,
		maxOut:      DefaultMaxOutboundBytes,
		waitTimeout: -1,
		registry:    NewRegistry(),
		ready:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.handler == nil {
		s.handler = DefaultHandler{Logger: s.logger}
	}
	return s
}

// Start sets the server up and runs the event loop until Stop is called, ctx
// is done or the poller fails. Every handle is closed when it returns.
func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	if err := s.setup(); err != nil {
		s.logger.Error("server setup failed", zap.Error(err))
		if cerr := s.shutdown(); cerr != nil {
			s.logger.Debug("cleanup after failed setup", zap.Error(cerr))
		}
		_ = s.logger.Sync()
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}
	close(s.ready)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-done:
		}
	}()

	s.logger.Info("listening", zap.Stringer("addr", s.addr))
	err := s.loop()

	if cerr := s.shutdown(); cerr != nil {
		s.logger.Warn("shutdown finished with errors", zap.Error(cerr))
	}
	s.logger.Info("server stopped")
	_ = s.logger.Sync()
	return err
}

func (s *Server) setup() (err error) {
	port, err := s.settings.Port()
	if err != nil {
		return err
	}

	if s.pidPath != "" {
		if s.pid, err = pidfile.Acquire(s.pidPath); err != nil {
			return err
		}
	}

	if s.listener, err = Listen(s.settings.Host(), port, s.backlog); err != nil {
		return err
	}
	if s.addr, err = s.listener.Addr(); err != nil {
		return err
	}
	if s.accept == nil {
		s.accept = s.listener.Accept
	}

	if s.poller == nil {
		if s.poller, err = NewEpollPoller(s.maxEvents); err != nil {
			return err
		}
	}

	// the listener stays level-triggered, acceptAll drains it anyway
	if err = s.poller.Register(s.listener.Fd(), Readable); err != nil {
		return err
	}

	s.mu.Lock()
	s.active = s.poller
	s.mu.Unlock()
	return nil
}

func (s *Server) loop() error {
	for {
		if s.stopping.Load() {
			s.logger.Info("received stop request, exiting event loop")
			return nil
		}

		timeout := s.waitTimeout
		if len(s.readAgain) > 0 {
			// input is still waiting, only poll
			timeout = 0
		}

		s.state.Store(int32(LoopIdle))
		events, err := s.poller.Wait(timeout)
		if err != nil {
			s.logger.Error("poller wait error", zap.Error(err))
			return fmt.Errorf("%w: %w", ErrFatalLoop, err)
		}

		s.state.Store(int32(LoopDispatching))
		for i := range events {
			if err := s.dispatch(&events[i]); err != nil {
				s.logger.Error("failed to process event", zap.Error(err))
				return err
			}
		}
		s.resumeReads()
	}
}

// resumeReads gives every connection that yielded in the previous round its
// next batch. Edge-triggered handles report no new event for input that was
// already there.
func (s *Server) resumeReads() {
	if len(s.readAgain) == 0 {
		return
	}
	again := s.readAgain
	s.readAgain = nil
	for _, c := range again {
		c.queued = false
		if c.state != StateOpen {
			continue
		}
		if !s.readConn(c) {
			continue
		}
		if c.state == StateClosing {
			s.closeRequested(c)
		}
	}
}

func (s *Server) dispatch(ev *Event) error {
	switch {
	case ev.Wake:
		// the stop flag is checked before the next Wait
		return nil
	case ev.Fd == s.listener.Fd():
		return s.acceptAll()
	default:
		s.serve(ev)
		return nil
	}
}

// acceptAll accepts until the queue is empty. Only an invariant breach is
// returned, failures of single attempts are logged.
func (s *Server) acceptAll() error {
	for {
		fd, ip, err := s.accept()
		if errors.Is(err, ErrWouldBlock) {
			return nil
		}
		if err != nil {
			// the listener is level-triggered, a pending connection is retried on the next Wait
			s.logger.Warn("accept error", zap.Error(err))
			return nil
		}

		if s.maxConns > 0 && s.registry.Len() >= s.maxConns {
			s.logger.Warn("max connections reached, new connection rejected", zap.Int("max", s.maxConns), zap.String("ip", ip))
			_ = closeFd(fd)
			continue
		}

		c := newConn(fd, ip, s.poller, s.maxIn, s.maxOut)
		if err := s.registry.Add(c); err != nil {
			_ = closeFd(fd)
			return fmt.Errorf("registry out of sync with poller: %w", err)
		}
		if err := s.poller.Register(fd, clientInterest); err != nil {
			s.registry.Remove(fd)
			_ = c.release()
			if errors.Is(err, ErrDuplicateHandle) {
				return fmt.Errorf("poller out of sync with registry: %w", err)
			}
			s.logger.Warn("register connection failed", zap.Int("fd", fd), zap.Error(err))
			continue
		}
		s.connCnt.Add(1)

		s.logger.Debug("new connection", zap.Int("fd", fd), zap.String("ip", ip), zap.String("id", c.ID()))
		s.handler.OnOpen(c)
		if c.state != StateOpen {
			s.closeRequested(c)
		}
	}
}

func (s *Server) serve(ev *Event) {
	c, err := s.registry.Lookup(ev.Fd)
	if err != nil {
		s.logger.Warn("event for unknown handle", zap.Int("fd", ev.Fd), zap.Error(err))
		if derr := s.poller.Deregister(ev.Fd); derr != nil {
			s.logger.Debug("deregister unknown handle", zap.Int("fd", ev.Fd), zap.Error(derr))
		}
		return
	}

	// a closing connection is only written to until its queue is empty
	if c.state == StateClosing {
		s.closeRequested(c)
		return
	}

	if ev.Readable || ev.Hangup {
		if !s.readConn(c) {
			return
		}
		// with input still queued the read path sees the close itself
		if ev.Hangup && c.state == StateOpen && !c.queued {
			s.teardown(c, nil)
			return
		}
	}

	if ev.Writable && c.Pending() > 0 {
		if err := c.flush(); err != nil {
			s.teardown(c, err)
			return
		}
	}

	if c.state == StateClosing {
		s.closeRequested(c)
	}
}

// readConn passes c's input to the handler one bounded payload at a time.
// After readBatches full payloads it yields and queues c for the next round.
// It reports false when c was torn down.
func (s *Server) readConn(c *Conn) bool {
	for i := 0; i < readBatches; i++ {
		data, err := c.Receive()
		if len(data) > 0 {
			if herr := s.handler.OnData(c, data); herr != nil {
				s.teardown(c, herr)
				return false
			}
		}
		if err != nil {
			if errors.Is(err, ErrPeerClosed) {
				err = nil
			}
			s.teardown(c, err)
			return false
		}
		if c.state != StateOpen || len(data) < c.maxIn {
			return true
		}
	}
	if !c.queued {
		c.queued = true
		s.readAgain = append(s.readAgain, c)
	}
	return true
}

// closeRequested tears down a connection its handler closed once its queued
// output is written. Until then write interest stays armed and the next
// writable event brings it back here.
func (s *Server) closeRequested(c *Conn) {
	if err := c.flush(); err != nil {
		s.logger.Debug("flush before close", zap.Int("fd", c.fd), zap.Error(err))
		s.teardown(c, err)
		return
	}
	if c.Pending() > 0 {
		return
	}
	s.teardown(c, nil)
}

// teardown removes c from the poller and the registry, closes its socket and
// notifies the handler. It runs at most once per connection.
func (s *Server) teardown(c *Conn, cause error) {
	if c.state == StateClosed {
		return
	}
	fd := c.fd

	if err := s.poller.Deregister(fd); err != nil {
		s.logger.Warn("deregister connection", zap.Int("fd", fd), zap.Error(err))
	}
	s.registry.Remove(fd)
	if err := c.release(); err != nil {
		s.logger.Warn("close connection", zap.Int("fd", fd), zap.Error(err))
	}
	s.connCnt.Add(-1)

	s.logger.Debug("connection closed", zap.Int("fd", fd), zap.String("id", c.ID()), zap.NamedError("cause", cause))
	s.handler.OnClose(c, cause)
}

// shutdown order: connections, listener, poller, pid file.
func (s *Server) shutdown() error {
	s.state.Store(int32(LoopShutdown))

	conns := make([]*Conn, 0, s.registry.Len())
	s.registry.Range(func(c *Conn) bool {
		conns = append(conns, c)
		return true
	})
	for _, c := range conns {
		s.teardown(c, ErrServerClosed)
	}

	var err error
	if s.listener != nil {
		if s.poller != nil {
			err = multierr.Append(err, s.poller.Deregister(s.listener.Fd()))
		}
		err = multierr.Append(err, s.listener.Close())
	}

	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()

	if s.poller != nil {
		err = multierr.Append(err, s.poller.Close())
	}
	if s.pid != nil {
		err = multierr.Append(err, s.pid.Release())
	}
	return err
}

// Stop asks the loop to exit. It can be called from any goroutine, any
// number of times, and before Start.
func (s *Server) Stop() {
	if !s.stopping.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		if err := s.active.Wake(); err != nil {
			s.logger.Debug("wake poller", zap.Error(err))
		}
	}
}

// Ready is closed once the server listens and before the first Wait.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr is the bound address. Valid after Ready.
func (s *Server) Addr() *net.TCPAddr {
	return s.addr
}

func (s *Server) ConnNum() int64 {
	return s.connCnt.Load()
}

func (s *Server) LoopState() LoopState {
	return LoopState(s.state.Load())
}
