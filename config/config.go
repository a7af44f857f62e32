// Package config holds the settings the server is started with. Values are
// loaded leniently and validated by the accessors, when they are used.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	EnvPort     = "IRC_PORT"
	EnvPassword = "IRC_PASSWORD"
	EnvHost     = "IRC_HOST"
	EnvPidFile  = "IRC_PIDFILE"
	EnvLogLevel = "IRC_LOG_LEVEL"
	EnvMaxConns = "IRC_MAX_CONNS"
)

// ForbiddenChars may not appear in the connection password: they would split
// or terminate a PASS parameter on the wire.
const ForbiddenChars = " \t\r\n\x00,:"

var (
	ErrPortUnset       = errors.New("port is not set")
	ErrInvalidPort     = errors.New("invalid port number")
	ErrPasswordUnset   = errors.New("password is not set")
	ErrInvalidPassword = errors.New("password contains a forbidden character")
	ErrUsage           = errors.New("usage: ircd <port> <password>")
)

type Config struct {
	rawPort  string
	password string

	host     string
	PidFile  string
	LogLevel string
	MaxConns int
}

func New(port int, password string) *Config {
	c := &Config{}
	c.SetPort(port)
	c.SetPassword(password)
	return c
}

// Load reads .env files, then the environment, then the positional
// arguments <port> <password>, later sources winning. Missing .env files are
// fine. Port and password are not validated here.
func Load(args []string, envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles...); err != nil {
		return nil, err
	}

	c := &Config{
		rawPort:  os.Getenv(EnvPort),
		password: os.Getenv(EnvPassword),
		host:     os.Getenv(EnvHost),
		PidFile:  os.Getenv(EnvPidFile),
		LogLevel: os.Getenv(EnvLogLevel),
	}

	if v := os.Getenv(EnvMaxConns); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%s=%q: not a connection count", EnvMaxConns, v)
		}
		c.MaxConns = n
	}

	switch len(args) {
	case 0:
	case 2:
		c.rawPort = args[0]
		c.password = args[1]
	default:
		return nil, ErrUsage
	}

	return c, nil
}

func loadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		// variables already set in the environment are not overridden
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Port returns the listening port, which must lie in 1-65535.
func (c *Config) Port() (int, error) {
	raw := strings.TrimSpace(c.rawPort)
	if raw == "" || raw == "0" {
		return 0, ErrPortUnset
	}
	port, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPort, raw)
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	return port, nil
}

// Password returns the shared connection password.
func (c *Config) Password() (string, error) {
	if c.password == "" {
		return "", ErrPasswordUnset
	}
	if i := strings.IndexAny(c.password, ForbiddenChars); i >= 0 {
		return "", fmt.Errorf("%w: %q at offset %d", ErrInvalidPassword, c.password[i], i)
	}
	return c.password, nil
}

// Host is the IPv4 address to bind, empty for every interface.
func (c *Config) Host() string {
	return c.host
}

func (c *Config) SetPort(port int) {
	c.rawPort = strconv.Itoa(port)
}

func (c *Config) SetPassword(password string) {
	c.password = password
}

func (c *Config) SetHost(host string) {
	c.host = host
}
