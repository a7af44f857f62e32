// Package cmd is a small line client for poking at a running server by hand.
package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

const (
	CliHistFileEnv     = "IRCSH_HISTFILE"
	CliHistFileDefault = ".ircsh_history"
	DefaultHost        = "127.0.0.1"
	DefaultPort        = 6667
	dialTimeout        = 5 * time.Second
)

type CliConnInfo struct {
	HostIp   string
	HostPort int
}

func (i CliConnInfo) addr() string {
	return net.JoinHostPort(i.HostIp, strconv.Itoa(i.HostPort))
}

type Cli struct {
	connInfo CliConnInfo
	out      io.Writer

	mu   sync.Mutex
	conn net.Conn
	wg   sync.WaitGroup
}

func NewCli(info CliConnInfo, out io.Writer) *Cli {
	if info.HostIp == "" {
		info.HostIp = DefaultHost
	}
	if info.HostPort == 0 {
		info.HostPort = DefaultPort
	}
	if out == nil {
		out = os.Stdout
	}
	return &Cli{connInfo: info, out: out}
}

// Connect dials the server, dropping any previous connection, and starts
// copying whatever the server sends to the output.
func (cli *Cli) Connect() error {
	cli.Close()

	conn, err := net.DialTimeout("tcp", cli.connInfo.addr(), dialTimeout)
	if err != nil {
		return fmt.Errorf("could not connect to %s: %w", cli.connInfo.addr(), err)
	}

	cli.mu.Lock()
	cli.conn = conn
	cli.mu.Unlock()

	cli.wg.Add(1)
	go cli.readLoop(conn)
	return nil
}

func (cli *Cli) readLoop(conn net.Conn) {
	defer cli.wg.Done()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		fmt.Fprintln(cli.out, scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		fmt.Fprintf(cli.out, "connection error: %v\n", err)
	}
}

// Send writes line to the server terminated by CRLF.
func (cli *Cli) Send(line string) error {
	cli.mu.Lock()
	conn := cli.conn
	cli.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	_, err := conn.Write(FormatLine(line))
	return err
}

// Close shuts the connection down and waits for the reader to finish.
func (cli *Cli) Close() {
	cli.mu.Lock()
	conn := cli.conn
	cli.conn = nil
	cli.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	cli.wg.Wait()
}

// Run reads commands from in: through line editing when in is a terminal,
// line by line otherwise.
func (cli *Cli) Run(in *os.File) error {
	if err := cli.Connect(); err != nil {
		return err
	}
	defer cli.Close()

	if isatty.IsTerminal(in.Fd()) || isatty.IsCygwinTerminal(in.Fd()) {
		return cli.repl()
	}
	return cli.pipe(in)
}

// pipe sends every input line, then half-closes and waits for the server to
// finish answering.
func (cli *Cli) pipe(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if err := cli.Send(scanner.Text()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	cli.mu.Lock()
	conn := cli.conn
	cli.mu.Unlock()
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.CloseWrite()
	}
	cli.wg.Wait()
	return nil
}

func (cli *Cli) repl() error {
	line := newLineEditor()
	defer line.Close()

	historyFile := getDotfilePath(CliHistFileEnv, CliHistFileDefault)
	if historyFile != "" {
		line.HistoryLoad(historyFile)
	}

	for {
		input, err := line.Prompt(cli.connInfo.addr() + "> ")
		if err != nil {
			// ctrl-c, ctrl-d
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)
		if historyFile != "" {
			line.HistorySave(historyFile)
		}

		argv := strings.Fields(input)
		switch {
		case strings.EqualFold(argv[0], "quit") || strings.EqualFold(argv[0], "exit"):
			return nil
		case strings.EqualFold(argv[0], "clear") && len(argv) == 1:
			line.ClearScreen()
		case strings.EqualFold(argv[0], "connect") && len(argv) == 3:
			port, err := strconv.Atoi(argv[2])
			if err != nil {
				fmt.Fprintln(cli.out, "Invalid port number")
				continue
			}
			cli.connInfo = CliConnInfo{HostIp: argv[1], HostPort: port}
			if err := cli.Connect(); err != nil {
				fmt.Fprintln(cli.out, err)
			}
		default:
			if err := cli.Send(input); err != nil {
				fmt.Fprintln(cli.out, "send:", err)
			}
		}
	}
}

// FormatLine terminates line with CRLF, replacing whatever terminator it had.
func FormatLine(line string) []byte {
	line = strings.TrimRight(line, "\r\n")
	return []byte(line + "\r\n")
}

func getDotfilePath(envOverride, dotFilename string) string {
	path := os.Getenv(envOverride)
	if path != "" {
		if path == "/dev/null" {
			return ""
		}
		return path
	}
	home := os.Getenv("HOME")
	if home == "" {
		return ""
	}
	return home + "/" + dotFilename
}
