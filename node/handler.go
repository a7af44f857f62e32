//go:build linux
// +build linux

package node

import (
	"go.uber.org/zap"
)

// Handler is the protocol collaborator. All methods run on the dispatch
// goroutine and must not block.
type Handler interface {
	// OnOpen is called once the connection is registered.
	OnOpen(c *Conn)
	// OnData receives each non-empty payload read from c. Payloads carry no
	// framing: a line may be split across calls. A non-nil error closes c.
	OnData(c *Conn, data []byte) error
	// OnClose is called once after c has been torn down. err is nil for an
	// orderly peer shutdown or a requested close.
	OnClose(c *Conn, err error)
}

var greeting = []byte("Hello from server\n")

// DefaultHandler logs what it receives and answers every payload with a
// greeting.
type DefaultHandler struct {
	Logger *zap.Logger
}

func (h DefaultHandler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

func (h DefaultHandler) OnOpen(c *Conn) {
	h.logger().Debug("connection opened", zap.Int("fd", c.Fd()), zap.String("ip", c.IP()))
}

func (h DefaultHandler) OnData(c *Conn, data []byte) error {
	h.logger().Info("read data", zap.Int("fd", c.Fd()), zap.ByteString("data", data))
	return c.Send(greeting)
}

func (h DefaultHandler) OnClose(c *Conn, err error) {
	h.logger().Debug("connection closed", zap.Int("fd", c.Fd()), zap.Error(err))
}
