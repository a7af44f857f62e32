//go:build linux
// +build linux

package proto

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/fzft/go-ircd/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type loopback struct{}

func (loopback) Host() string       { return "127.0.0.1" }
func (loopback) Port() (int, error) { return 0, nil }

func startLineServer(t *testing.T, fn LineFunc) (*node.Server, *LineHandler) {
	t.Helper()

	h := NewLineHandler(zap.NewNop(), fn)
	s := node.NewServer(loopback{}, node.WithHandler(h))
	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()

	select {
	case <-s.Ready():
	case err := <-done:
		t.Fatalf("server exited: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}
	t.Cleanup(func() {
		s.Stop()
		assert.NoError(t, <-done)
	})
	return s, h
}

func dialLine(t *testing.T, s *node.Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func TestPingPong(t *testing.T) {
	s, _ := startLineServer(t, Responder(nil))
	conn, r := dialLine(t, s)

	_, err := conn.Write([]byte("PING irc.local\r\nping\n"))
	require.NoError(t, err)

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "PONG irc.local\r\n", line)

	line, err = r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "PONG\r\n", line)
}

func TestGreeting(t *testing.T) {
	s, _ := startLineServer(t, Responder(nil))
	conn, r := dialLine(t, s)

	_, err := conn.Write([]byte("NICK alice\r\n"))
	require.NoError(t, err)

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "Hello from server\r\n", line)
}

func TestLinesSplitAcrossPayloads(t *testing.T) {
	lines := make(chan string, 8)
	s, _ := startLineServer(t, func(c *node.Conn, line []byte) error {
		lines <- string(line)
		return nil
	})
	conn, _ := dialLine(t, s)

	for _, part := range []string{"NI", "CK al", "ice\r", "\n\r\nUSER a 0 * :A\n"} {
		_, err := conn.Write([]byte(part))
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}

	for _, want := range []string{"NICK alice", "USER a 0 * :A"} {
		select {
		case got := <-lines:
			assert.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("missing line %q", want)
		}
	}
	select {
	case extra := <-lines:
		t.Fatalf("unexpected line %q", extra)
	default:
	}

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return s.ConnNum() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestLongLineClosesConnection(t *testing.T) {
	s, _ := startLineServer(t, Responder(nil))
	conn, r := dialLine(t, s)

	_, err := conn.Write([]byte(strings.Repeat("A", MaxLineBytes+1)))
	require.NoError(t, err)

	_, err = r.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF)
	assert.Eventually(t, func() bool { return s.ConnNum() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestUnterminatedFloodClosesEarly(t *testing.T) {
	s, _ := startLineServer(t, Responder(nil))
	conn, r := dialLine(t, s)

	go func() {
		chunk := []byte(strings.Repeat("A", 64<<10))
		for i := 0; i < 64; i++ {
			if _, err := conn.Write(chunk); err != nil {
				return
			}
		}
	}()

	// the first bounded payload is already over the line limit
	_, err := r.ReadString('\n')
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return s.ConnNum() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestLineFuncCanCloseConnection(t *testing.T) {
	s, _ := startLineServer(t, func(c *node.Conn, line []byte) error {
		if string(line) == "QUIT" {
			if err := c.Send([]byte("ERROR :Closing link\r\n")); err != nil {
				return err
			}
			c.Close()
		}
		return nil
	})
	conn, r := dialLine(t, s)

	// lines after QUIT in the same payload are not handled
	_, err := conn.Write([]byte("QUIT\r\nPING\r\n"))
	require.NoError(t, err)

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "ERROR :Closing link\r\n", string(data))
}

func TestCutCommand(t *testing.T) {
	tests := []struct {
		line   string
		rest   string
		wantOK bool
	}{
		{line: "PING", rest: "", wantOK: true},
		{line: "ping  token", rest: "token", wantOK: true},
		{line: "PINGS", wantOK: false},
		{line: "PIN", wantOK: false},
		{line: "PRIVMSG #a :PING", wantOK: false},
	}
	for _, tt := range tests {
		rest, ok := cutCommand([]byte(tt.line), pingCmd)
		assert.Equal(t, tt.wantOK, ok, tt.line)
		if ok {
			assert.Equal(t, tt.rest, string(rest), tt.line)
		}
	}
}
