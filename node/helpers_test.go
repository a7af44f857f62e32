//go:build linux
// +build linux

package node

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// loopback binds an ephemeral port on 127.0.0.1.
type loopback struct{}

func (loopback) Host() string       { return "127.0.0.1" }
func (loopback) Port() (int, error) { return 0, nil }

// fakePoller records registrations and fails Wait on demand.
type fakePoller struct {
	mu      sync.Mutex
	set     map[Handle]Interest
	mods    []Interest
	waitErr error
	woken   chan struct{}
	closed  bool
}

func newFakePoller() *fakePoller {
	return &fakePoller{
		set:   make(map[Handle]Interest),
		woken: make(chan struct{}, 1),
	}
}

func (p *fakePoller) Register(fd Handle, in Interest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.set[fd]; ok {
		return ErrDuplicateHandle
	}
	p.set[fd] = in
	return nil
}

func (p *fakePoller) Modify(fd Handle, in Interest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.set[fd] = in
	p.mods = append(p.mods, in)
	return nil
}

func (p *fakePoller) Deregister(fd Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.set, fd)
	return nil
}

func (p *fakePoller) Wait(timeout time.Duration) ([]Event, error) {
	if p.waitErr != nil {
		return nil, p.waitErr
	}
	if timeout < 0 {
		<-p.woken
		return []Event{{Fd: -1, Wake: true}}, nil
	}
	select {
	case <-p.woken:
		return []Event{{Fd: -1, Wake: true}}, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

func (p *fakePoller) Wake() error {
	select {
	case p.woken <- struct{}{}:
	default:
	}
	return nil
}

func (p *fakePoller) Registered() []Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	fds := make([]Handle, 0, len(p.set))
	for fd := range p.set {
		fds = append(fds, fd)
	}
	return fds
}

func (p *fakePoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePoller) lastMod() Interest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.mods) == 0 {
		return 0
	}
	return p.mods[len(p.mods)-1]
}

// readinessConsistent checks that the poller watches exactly the listener
// and the registered connections. Dispatch goroutine only.
func (s *Server) readinessConsistent() error {
	want := append(s.registry.Handles(), s.listener.Fd())
	got := s.poller.Registered()
	sort.Ints(want)
	sort.Ints(got)
	if fmt.Sprint(want) != fmt.Sprint(got) {
		return fmt.Errorf("poller has %v, listener+registry have %v", got, want)
	}
	return nil
}

type closeRecord struct {
	id    string
	cause error
}

// recorder is a Handler collecting everything the dispatcher delivers. It
// also checks the readiness invariant from inside every callback.
type recorder struct {
	mu         sync.Mutex
	srv        *Server
	data       map[string]*bytes.Buffer
	closes     map[string]int
	causes     map[string]error
	opens      int
	violations []string

	opened chan string
	closed chan closeRecord

	onData func(c *Conn, data []byte) error
}

func newRecorder() *recorder {
	return &recorder{
		data:   make(map[string]*bytes.Buffer),
		closes: make(map[string]int),
		causes: make(map[string]error),
		opened: make(chan string, 256),
		closed: make(chan closeRecord, 256),
	}
}

func (r *recorder) attach(s *Server) {
	r.srv = s
}

func (r *recorder) check(where string) {
	if r.srv == nil {
		return
	}
	if err := r.srv.readinessConsistent(); err != nil {
		r.violations = append(r.violations, where+": "+err.Error())
	}
}

func (r *recorder) OnOpen(c *Conn) {
	r.mu.Lock()
	r.opens++
	r.data[c.ID()] = &bytes.Buffer{}
	r.check("open")
	r.mu.Unlock()
	r.opened <- c.ID()
}

func (r *recorder) OnData(c *Conn, data []byte) error {
	r.mu.Lock()
	r.data[c.ID()].Write(data)
	r.check("data")
	fn := r.onData
	r.mu.Unlock()
	if fn != nil {
		return fn(c, data)
	}
	return nil
}

func (r *recorder) OnClose(c *Conn, err error) {
	r.mu.Lock()
	r.closes[c.ID()]++
	r.causes[c.ID()] = err
	r.checkTornDown(c)
	r.check("close")
	r.mu.Unlock()
	r.closed <- closeRecord{id: c.ID(), cause: err}
}

// checkTornDown verifies c is gone from both the registry and the poller.
func (r *recorder) checkTornDown(c *Conn) {
	if r.srv == nil {
		return
	}
	if _, lerr := r.srv.registry.Lookup(c.Fd()); lerr == nil {
		r.violations = append(r.violations, fmt.Sprintf("fd %d still in registry after teardown", c.Fd()))
	}
	for _, fd := range r.srv.poller.Registered() {
		if fd == c.Fd() {
			r.violations = append(r.violations, fmt.Sprintf("fd %d still registered after teardown", fd))
		}
	}
}

func (r *recorder) payload(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.data[id]; ok {
		return b.String()
	}
	return ""
}

func (r *recorder) closeCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes[id]
}

func (r *recorder) problems() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.violations...)
}

func (r *recorder) waitOpened(t *testing.T) string {
	t.Helper()
	select {
	case id := <-r.opened:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a connection to open")
	}
	return ""
}

func (r *recorder) waitClosed(t *testing.T) closeRecord {
	t.Helper()
	select {
	case rec := <-r.closed:
		return rec
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a connection to close")
	}
	return closeRecord{}
}

// runningServer wraps a server started on its own goroutine.
type runningServer struct {
	*Server
	err  error
	done chan struct{}
}

// stop requests shutdown and returns Start's result.
func (rs *runningServer) stop(t *testing.T) error {
	t.Helper()
	rs.Stop()
	return rs.wait(t)
}

func (rs *runningServer) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-rs.done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
	}
	return rs.err
}

func startServer(t *testing.T, h Handler, opts ...Option) *runningServer {
	t.Helper()
	return startServerCtx(t, context.Background(), h, opts...)
}

func startServerCtx(t *testing.T, ctx context.Context, h Handler, opts ...Option) *runningServer {
	t.Helper()

	if h != nil {
		opts = append([]Option{WithHandler(h)}, opts...)
	}
	rs := &runningServer{
		Server: NewServer(loopback{}, opts...),
		done:   make(chan struct{}),
	}
	if a, ok := h.(interface{ attach(*Server) }); ok {
		a.attach(rs.Server)
	}

	go func() {
		rs.err = rs.Start(ctx)
		close(rs.done)
	}()

	select {
	case <-rs.Ready():
	case <-rs.done:
		require.NoError(t, rs.err)
		t.Fatal("server exited before becoming ready")
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}

	t.Cleanup(func() {
		rs.Stop()
		<-rs.done
	})
	return rs
}
