// Package config holds runtime options for the lanchat CLI and binds them to
// command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/sumanthd032/lanchat/internal/envelope"
	"github.com/sumanthd032/lanchat/internal/params"
)

// EnvPrefix prefixes the environment variables that override defaults.
const EnvPrefix = "LANCHAT_"

// Config holds runtime wiring options.
type Config struct {
	Home       string // config directory, e.g. $HOME/.lanchat
	ParamsFile string // defaults to <Home>/dhparams.pem
	Username   string
	Port       int
	ListenHost string // interface to bind when hosting, empty for all

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	NATTimeout       time.Duration

	NAT         bool // try UPnP / NAT-PMP when hosting
	MDNS        bool // advertise / browse over mDNS
	SafetyWords int  // number of words to show once the channel is ready

	LogLevel    string
	Debug       bool
	MetricsAddr string // serve Prometheus metrics here when set
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Port:             9000,
		DialTimeout:      10 * time.Second,
		HandshakeTimeout: 30 * time.Second,
		NATTimeout:       3 * time.Second,
		NAT:              true,
		MDNS:             true,
		SafetyWords:      4,
		LogLevel:         "warn",
	}
}

// ApplyEnv overrides fields from LANCHAT_* environment variables. lookup is
// usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	str("HOME", &c.Home)
	str("PARAMS_FILE", &c.ParamsFile)
	str("USERNAME", &c.Username)
	str("LISTEN_HOST", &c.ListenHost)
	str("LOG_LEVEL", &c.LogLevel)
	str("METRICS_ADDR", &c.MetricsAddr)

	if v, ok := lookup(EnvPrefix + "PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sPORT: %w", EnvPrefix, err)
		}
		c.Port = port
	}
	for name, dst := range map[string]*time.Duration{
		"DIAL_TIMEOUT":      &c.DialTimeout,
		"HANDSHAKE_TIMEOUT": &c.HandshakeTimeout,
		"NAT_TIMEOUT":       &c.NATTimeout,
	} {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = d
		}
	}
	for name, dst := range map[string]*bool{
		"NAT":   &c.NAT,
		"MDNS":  &c.MDNS,
		"DEBUG": &c.Debug,
	} {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = b
		}
	}
	return nil
}

// BindGlobalFlags registers the flags shared by every command.
func (c *Config) BindGlobalFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Home, "home", c.Home, "config dir (default ~/.lanchat)")
	fs.StringVar(&c.ParamsFile, "params-file", c.ParamsFile, "DH parameters file (default <home>/dhparams.pem)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn, error")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "verbose logging with caller information")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "serve Prometheus metrics on this address, e.g. 127.0.0.1:9100")
}

// BindSessionFlags registers the flags used by host and join.
func (c *Config) BindSessionFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.Username, "username", "u", c.Username, "name shown to your peer")
	fs.IntVarP(&c.Port, "port", "P", c.Port, "port to host on or connect to")
	fs.DurationVar(&c.HandshakeTimeout, "handshake-timeout", c.HandshakeTimeout, "drop a peer that does not finish the key exchange in time")
	fs.IntVar(&c.SafetyWords, "safety-words", c.SafetyWords, "number of safety words to compare with your peer")
	fs.BoolVar(&c.MDNS, "mdns", c.MDNS, "advertise or browse for hosts with mDNS")
}

// BindHostFlags registers host-only flags.
func (c *Config) BindHostFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ListenHost, "listen", c.ListenHost, "interface address to bind (default all)")
	fs.BoolVar(&c.NAT, "nat", c.NAT, "try UPnP and NAT-PMP to find an external address")
	fs.DurationVar(&c.NATTimeout, "nat-timeout", c.NATTimeout, "give up on NAT discovery after this long")
}

// BindJoinFlags registers join-only flags.
func (c *Config) BindJoinFlags(fs *pflag.FlagSet) {
	fs.DurationVar(&c.DialTimeout, "timeout", c.DialTimeout, "connection timeout")
}

// Resolve fills in paths that depend on other fields.
func (c *Config) Resolve() error {
	if c.Home == "" {
		dir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("could not find home directory: %w", err)
		}
		c.Home = filepath.Join(dir, ".lanchat")
	}
	if c.ParamsFile == "" {
		c.ParamsFile = filepath.Join(c.Home, params.FileName)
	}
	return nil
}

// Validate checks the options needed to start a session.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Username) == "" {
		errs = append(errs, errors.New("username cannot be empty"))
	} else if _, err := envelope.Encode(envelope.Typing{Username: c.Username, Status: envelope.TypingStop}); err != nil {
		errs = append(errs, fmt.Errorf("username: %w", err))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.DialTimeout <= 0 {
		errs = append(errs, errors.New("dial timeout must be positive"))
	}
	if c.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("handshake timeout must be positive"))
	}
	if c.SafetyWords < 1 || c.SafetyWords > 16 {
		errs = append(errs, fmt.Errorf("safety words must be between 1 and 16, got %d", c.SafetyWords))
	}
	return errors.Join(errs...)
}
