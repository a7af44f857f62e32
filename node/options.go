//go:build linux
// +build linux

package node

import (
	"time"

	"go.uber.org/zap"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger injects the diagnostics sink. The server syncs it on shutdown.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithHandler(h Handler) Option {
	return func(s *Server) {
		s.handler = h
	}
}

func WithBacklog(n int) Option {
	return func(s *Server) {
		s.backlog = n
	}
}

// WithMaxConns limits live connections; extra sockets are accepted and
// closed straight away. Zero means no limit.
func WithMaxConns(n int) Option {
	return func(s *Server) {
		s.maxConns = n
	}
}

func WithMaxEvents(n int) Option {
	return func(s *Server) {
		s.maxEvents = n
	}
}

// WithMaxInboundBytes bounds each payload handed to Handler.OnData.
func WithMaxInboundBytes(n int) Option {
	return func(s *Server) {
		s.maxIn = n
	}
}

func WithMaxOutboundBytes(n int) Option {
	return func(s *Server) {
		s.maxOut = n
	}
}

// WithWaitTimeout bounds each Wait. A negative value waits indefinitely.
func WithWaitTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.waitTimeout = d
	}
}

// WithPoller replaces the epoll poller, the server takes ownership of p.
func WithPoller(p Poller) Option {
	return func(s *Server) {
		s.poller = p
	}
}

func WithPidFile(path string) Option {
	return func(s *Server) {
		s.pidPath = path
	}
}
