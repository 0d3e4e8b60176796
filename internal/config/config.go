// Package config holds the client configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/1ureka/p2pquake/internal/protocol"
)

// Config stores every parameter the client runs with. It is filled from
// defaults, then the environment, then CLI flags or interactive prompts.
type Config struct {
	ServerHosts  []string      // directory servers, "host" or "host:port"
	AreaCode     int           // region code announced at registration
	ListenPort   int           // inbound peer port
	MaxPeers     int           // peer set ceiling
	MinPeers     int           // echo tops up below this
	EchoInterval time.Duration // directory echo cadence
	FeedAddr     string        // local WebSocket feed, empty to disable
	AcceptRate   float64       // inbound connections per second
	Debug        bool
	Trace        bool
}

// DefaultServerHosts are the public directory servers.
var DefaultServerHosts = []string{
	"p2pquake.info",
	"www.p2pquake.net",
	"p2pquake.dyndns.info",
	"p2pquake.ddo.jp",
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		ServerHosts:  append([]string(nil), DefaultServerHosts...),
		AreaCode:     900,
		ListenPort:   protocol.DefaultListenPort,
		MaxPeers:     10,
		MinPeers:     5,
		EchoInterval: 10 * time.Minute,
		AcceptRate:   2,
	}
}

// ApplyEnv overrides fields from P2PQ_* environment variables. Invalid values
// are reported and leave the field unchanged.
func (c *Config) ApplyEnv() error {
	var errs []error

	if v, ok := os.LookupEnv("P2PQ_SERVERS"); ok {
		c.ServerHosts = SplitList(v)
	}
	if v, ok := os.LookupEnv("P2PQ_AREA"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("P2PQ_AREA: %w", err))
		} else {
			c.AreaCode = n
		}
	}
	if v, ok := os.LookupEnv("P2PQ_PORT"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("P2PQ_PORT: %w", err))
		} else {
			c.ListenPort = n
		}
	}
	if v, ok := os.LookupEnv("P2PQ_FEED"); ok {
		c.FeedAddr = strings.TrimSpace(v)
	}

	return errors.Join(errs...)
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	switch {
	case len(c.ServerHosts) == 0:
		return errors.New("no directory servers configured")
	case c.AreaCode < 0 || c.AreaCode > 999:
		return fmt.Errorf("invalid area code %d: must be 0 ~ 999", c.AreaCode)
	case c.ListenPort < 1 || c.ListenPort > 65535:
		return fmt.Errorf("invalid listen port %d: must be 1 ~ 65535", c.ListenPort)
	case c.MaxPeers < 1:
		return fmt.Errorf("invalid max peers %d", c.MaxPeers)
	case c.MinPeers < 0 || c.MinPeers > c.MaxPeers:
		return fmt.Errorf("invalid min peers %d: must be 0 ~ %d", c.MinPeers, c.MaxPeers)
	case c.EchoInterval < time.Minute:
		return fmt.Errorf("echo interval %s is below one minute", c.EchoInterval)
	case c.AcceptRate <= 0:
		return fmt.Errorf("invalid accept rate %v", c.AcceptRate)
	}
	return nil
}

// SplitList parses a comma separated host list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
