// Package config loads the balancer's services, rules and destinations from
// a YAML file.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pokt-network/tcpvs/internal/logger"
)

const (
	DefaultKeepAliveTimeout = 30 * time.Second
	DefaultPollInterval     = time.Second
	DefaultIOTimeout        = 60 * time.Second
	DefaultDialTimeout      = 3 * time.Second
	DefaultMaxClients       = 4096
	DefaultBufferSize       = 4096
	DefaultMaxSegments      = 4
	DefaultStatsInterval    = "@every 30s"
	DefaultScheduler        = "phttp"
)

// ErrNoServices is returned when a file yields no usable service.
var ErrNoServices = errors.New("no valid services loaded")

type Config struct {
	KeepAliveTimeout time.Duration `yaml:"keepalive_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	IOTimeout        time.Duration `yaml:"io_timeout"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	MaxClients       int           `yaml:"max_clients"`
	BufferSize       int           `yaml:"buffer_size"`
	MaxSegments      int           `yaml:"max_segments"`
	StatsInterval    string        `yaml:"stats_interval"`

	Services []ServiceConfig `yaml:"services"`
}

type ServiceConfig struct {
	Name      string       `yaml:"name"`
	Listen    string       `yaml:"listen"`
	Scheduler string       `yaml:"scheduler"`
	Redirect  string       `yaml:"redirect"` // local fallback for unroutable requests
	MaxConns  int          `yaml:"max_conns"`
	Rules     []RuleConfig `yaml:"rules"`
}

type RuleConfig struct {
	Pattern      string              `yaml:"pattern"`
	MatchNum     int                 `yaml:"match_num"`
	Destinations []DestinationConfig `yaml:"destinations"`

	Regexp *regexp.Regexp `yaml:"-"`
}

type DestinationConfig struct {
	Addr   string `yaml:"addr"`
	Weight *int   `yaml:"weight"`

	AddrPort netip.AddrPort `yaml:"-"`
}

// EffectiveWeight returns the configured weight, 1 when omitted.
func (d DestinationConfig) EffectiveWeight() int {
	if d.Weight == nil {
		return 1
	}
	return *d.Weight
}

// Load reads and validates the file at path. isScheduler reports whether a
// scheduler name is registered; nil accepts any name.
func Load(path string, isScheduler func(string) bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	return Parse(data, isScheduler)
}

// Parse decodes a YAML document. Invalid services, rules and destinations
// are logged and skipped; a document without any valid service is an error.
func Parse(data []byte, isScheduler func(string) bool) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config parse error: %w", err)
	}
	cfg.applyDefaults()

	seen := make(map[string]bool)
	services := cfg.Services[:0]
	for i, svc := range cfg.Services {
		svc.Name = strings.TrimSpace(svc.Name)
		if svc.Name == "" {
			svc.Name = fmt.Sprintf("service-%d", i)
		}
		if seen[svc.Name] {
			logger.L.Warn("duplicate service name, skipping", zap.String("service", svc.Name))
			continue
		}
		if svc.Listen == "" {
			logger.L.Warn("service without listen address, skipping", zap.String("service", svc.Name))
			continue
		}
		if svc.Scheduler == "" {
			svc.Scheduler = DefaultScheduler
		}
		if isScheduler != nil && !isScheduler(svc.Scheduler) {
			logger.L.Warn("unknown scheduler, skipping service",
				zap.String("service", svc.Name),
				zap.String("scheduler", svc.Scheduler),
			)
			continue
		}
		if svc.Redirect != "" {
			if _, _, err := net.SplitHostPort(svc.Redirect); err != nil {
				logger.L.Warn("invalid redirect address, ignoring",
					zap.String("service", svc.Name),
					zap.String("redirect", svc.Redirect),
					zap.Error(err),
				)
				svc.Redirect = ""
			}
		}
		svc.Rules = validRules(svc.Name, svc.Rules)
		seen[svc.Name] = true
		services = append(services, svc)
	}
	cfg.Services = services

	if len(cfg.Services) == 0 {
		return nil, ErrNoServices
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.IOTimeout < 0 {
		c.IOTimeout = 0
	} else if c.IOTimeout == 0 {
		c.IOTimeout = DefaultIOTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.MaxClients <= 0 {
		c.MaxClients = DefaultMaxClients
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.MaxSegments <= 0 {
		c.MaxSegments = DefaultMaxSegments
	}
	if c.StatsInterval == "" {
		c.StatsInterval = DefaultStatsInterval
	}
}

func validRules(service string, rules []RuleConfig) []RuleConfig {
	out := rules[:0]
	for i, r := range rules {
		rx, err := regexp.Compile(r.Pattern)
		if err != nil {
			logger.L.Warn("invalid rule pattern, skipping",
				zap.String("service", service),
				zap.Int("rule", i),
				zap.String("pattern", r.Pattern),
				zap.Error(err),
			)
			continue
		}
		if r.MatchNum < 0 || r.MatchNum > rx.NumSubexp() {
			logger.L.Warn("match_num out of range, skipping rule",
				zap.String("service", service),
				zap.String("pattern", r.Pattern),
				zap.Int("match_num", r.MatchNum),
				zap.Int("groups", rx.NumSubexp()),
			)
			continue
		}
		r.Regexp = rx
		r.Destinations = validDestinations(service, r.Pattern, r.Destinations)
		out = append(out, r)
	}
	return out
}

func validDestinations(service, pattern string, dests []DestinationConfig) []DestinationConfig {
	out := dests[:0]
	for _, d := range dests {
		ap, err := ResolveAddrPort(d.Addr)
		if err != nil {
			logger.L.Warn("invalid destination address, skipping",
				zap.String("service", service),
				zap.String("pattern", pattern),
				zap.String("addr", d.Addr),
				zap.Error(err),
			)
			continue
		}
		if d.EffectiveWeight() < 0 {
			logger.L.Warn("negative destination weight, skipping",
				zap.String("service", service),
				zap.String("addr", d.Addr),
				zap.Int("weight", d.EffectiveWeight()),
			)
			continue
		}
		d.AddrPort = ap
		out = append(out, d)
	}
	return out
}

// ResolveAddrPort turns "host:port" into an address/port pair, resolving
// host names once.
func ResolveAddrPort(s string) (netip.AddrPort, error) {
	s = strings.TrimSpace(s)
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
	ta, err := net.ResolveTCPAddr("tcp", s)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ap := ta.AddrPort()
	if !ap.Addr().IsValid() || ap.Port() == 0 {
		return netip.AddrPort{}, fmt.Errorf("address %q has no host or port", s)
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}
