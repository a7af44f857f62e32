//go:build linux
// +build linux

// Package proto turns the raw payloads the dispatcher delivers into lines.
// Command semantics live above it, in a LineFunc.
package proto

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fzft/go-ircd/node"
	"go.uber.org/zap"
)

// MaxLineBytes is the IRC message limit, terminator included.
const MaxLineBytes = 512

var ErrLineTooLong = errors.New("line too long")

// LineFunc handles one complete line, without its terminator. A non-nil
// error closes the connection.
type LineFunc func(c *node.Conn, line []byte) error

var _ node.Handler = (*LineHandler)(nil)

// LineHandler frames each connection's byte stream into lines. Partial lines
// are kept per connection until the rest arrives.
type LineHandler struct {
	logger  *zap.Logger
	onLine  LineFunc
	pending map[string][]byte // connection id -> unterminated fragment
}

func NewLineHandler(logger *zap.Logger, fn LineFunc) *LineHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LineHandler{
		logger:  logger,
		onLine:  fn,
		pending: make(map[string][]byte),
	}
}

func (h *LineHandler) OnOpen(c *node.Conn) {
	h.logger.Info("client connected", zap.Int("fd", c.Fd()), zap.String("ip", c.IP()), zap.String("id", c.ID()))
}

func (h *LineHandler) OnData(c *node.Conn, data []byte) error {
	buf := append(h.pending[c.ID()], data...)

	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		if i+1 > MaxLineBytes {
			delete(h.pending, c.ID())
			return fmt.Errorf("%w: %d bytes", ErrLineTooLong, i+1)
		}
		line := bytes.TrimSuffix(buf[:i], []byte{'\r'})
		buf = buf[i+1:]
		if len(line) == 0 {
			continue
		}
		if err := h.onLine(c, line); err != nil {
			delete(h.pending, c.ID())
			return err
		}
		if c.State() != node.StateOpen {
			delete(h.pending, c.ID())
			return nil
		}
	}

	if len(buf) >= MaxLineBytes {
		delete(h.pending, c.ID())
		return fmt.Errorf("%w: %d bytes without terminator", ErrLineTooLong, len(buf))
	}
	if len(buf) == 0 {
		delete(h.pending, c.ID())
		return nil
	}
	// copy so the fragment does not pin the whole payload
	h.pending[c.ID()] = append([]byte(nil), buf...)
	return nil
}

func (h *LineHandler) OnClose(c *node.Conn, err error) {
	if frag, ok := h.pending[c.ID()]; ok {
		h.logger.Debug("dropping partial line", zap.String("id", c.ID()), zap.Int("bytes", len(frag)))
		delete(h.pending, c.ID())
	}
	h.logger.Info("client disconnected", zap.Int("fd", c.Fd()), zap.String("id", c.ID()), zap.NamedError("cause", err))
}

// Buffered reports how many connections hold a partial line.
func (h *LineHandler) Buffered() int {
	return len(h.pending)
}
