//go:build linux
// +build linux

package proto

import (
	"bytes"

	"github.com/fzft/go-ircd/node"
	"go.uber.org/zap"
)

var (
	pingCmd  = []byte("PING")
	pongCmd  = []byte("PONG")
	crlf     = []byte("\r\n")
	greeting = []byte("Hello from server\r\n")
)

// Responder is the placeholder command layer: it keeps clients alive with
// PING/PONG and greets everything else.
func Responder(logger *zap.Logger) LineFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *node.Conn, line []byte) error {
		if token, ok := cutCommand(line, pingCmd); ok {
			reply := make([]byte, 0, len(pongCmd)+1+len(token)+len(crlf))
			reply = append(reply, pongCmd...)
			if len(token) > 0 {
				reply = append(reply, ' ')
				reply = append(reply, token...)
			}
			reply = append(reply, crlf...)
			return c.Send(reply)
		}

		logger.Info("line", zap.String("id", c.ID()), zap.ByteString("data", line))
		return c.Send(greeting)
	}
}

// cutCommand matches cmd case-insensitively as the first word of line and
// returns the rest.
func cutCommand(line, cmd []byte) ([]byte, bool) {
	if len(line) < len(cmd) || !bytes.EqualFold(line[:len(cmd)], cmd) {
		return nil, false
	}
	rest := line[len(cmd):]
	if len(rest) > 0 && rest[0] != ' ' {
		return nil, false
	}
	return bytes.TrimLeft(rest, " "), true
}
