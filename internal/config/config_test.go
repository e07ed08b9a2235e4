package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pokt-network/tcpvs/internal/logger"
)

var observed *observer.ObservedLogs

func TestMain(m *testing.M) {
	core, logs := observer.New(zap.WarnLevel)
	observed = logs
	logger.L = zap.New(core)
	os.Exit(m.Run())
}

func known(names ...string) func(string) bool {
	return func(s string) bool {
		for _, n := range names {
			if n == s {
				return true
			}
		}
		return false
	}
}

func TestLoad_Example(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "examples", "tcpvs.yaml"), known("http", "phttp"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Services) != 2 {
		t.Fatalf("services=%d", len(cfg.Services))
	}
	web := cfg.Services[0]
	if web.Name != "web" || web.Scheduler != "phttp" || web.Redirect != "127.0.0.1:8081" || web.MaxConns != 2048 {
		t.Fatalf("web=%+v", web)
	}
	if len(web.Rules) != 3 || web.Rules[0].MatchNum != 1 || web.Rules[0].Regexp == nil {
		t.Fatalf("web rules=%+v", web.Rules)
	}
	if w := web.Rules[1].Destinations[0].EffectiveWeight(); w != 2 {
		t.Fatalf("weight=%d", w)
	}
	if w := web.Rules[1].Destinations[1].EffectiveWeight(); w != 1 {
		t.Fatalf("default weight=%d", w)
	}
	legacy := cfg.Services[1]
	if d := legacy.Rules[0].Destinations[2]; d.EffectiveWeight() != 0 || d.AddrPort.String() != "10.0.1.13:8000" {
		t.Fatalf("drained destination=%+v", d)
	}
	if cfg.KeepAliveTimeout != 30*time.Second || cfg.PollInterval != time.Second || cfg.MaxSegments != 4 {
		t.Fatalf("globals=%+v", cfg)
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("services:\n  - listen: 127.0.0.1:0\n"), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	svc := cfg.Services[0]
	if svc.Name != "service-0" || svc.Scheduler != DefaultScheduler {
		t.Fatalf("service=%+v", svc)
	}
	if cfg.KeepAliveTimeout != DefaultKeepAliveTimeout ||
		cfg.PollInterval != DefaultPollInterval ||
		cfg.IOTimeout != DefaultIOTimeout ||
		cfg.DialTimeout != DefaultDialTimeout ||
		cfg.MaxClients != DefaultMaxClients ||
		cfg.BufferSize != DefaultBufferSize ||
		cfg.MaxSegments != DefaultMaxSegments ||
		cfg.StatsInterval != DefaultStatsInterval {
		t.Fatalf("defaults not applied: %+v", cfg)
	}

	cfg, err = Parse([]byte("io_timeout: -1s\nservices:\n  - listen: 127.0.0.1:0\n"), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.IOTimeout != 0 {
		t.Fatalf("negative io_timeout should disable it, got %v", cfg.IOTimeout)
	}
}

func TestParse_SkipsInvalidEntries(t *testing.T) {
	doc := `
services:
  - name: ok
    listen: 127.0.0.1:0
    redirect: not-an-address
    rules:
      - pattern: "("
        destinations:
          - addr: 10.0.0.1:80
      - pattern: "^/(a)/"
        match_num: 2
      - pattern: "^/"
        destinations:
          - addr: nowhere
          - addr: 10.0.0.2:80
            weight: -1
          - addr: 10.0.0.3:80
  - name: ok
    listen: 127.0.0.1:0
  - name: nolisten
  - name: weird
    listen: 127.0.0.1:0
    scheduler: magic
`
	before := observed.Len()
	cfg, err := Parse([]byte(doc), known("phttp"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Services) != 1 {
		t.Fatalf("services=%+v", cfg.Services)
	}
	svc := cfg.Services[0]
	if svc.Redirect != "" {
		t.Fatalf("redirect=%q", svc.Redirect)
	}
	if len(svc.Rules) != 1 || svc.Rules[0].Pattern != "^/" {
		t.Fatalf("rules=%+v", svc.Rules)
	}
	if ds := svc.Rules[0].Destinations; len(ds) != 1 || ds[0].Addr != "10.0.0.3:80" {
		t.Fatalf("destinations=%+v", ds)
	}
	// redirect, pattern, match_num, addr, weight, duplicate, listen, scheduler
	if got := observed.Len() - before; got != 8 {
		t.Fatalf("logged %d warnings", got)
	}
}

func TestParse_Errors(t *testing.T) {
	if _, err := Parse([]byte("services: []\n"), nil); !errors.Is(err, ErrNoServices) {
		t.Fatalf("empty: %v", err)
	}
	if _, err := Parse([]byte("keepalive_timeout: soon\n"), nil); err == nil {
		t.Fatal("bad duration accepted")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestResolveAddrPort(t *testing.T) {
	ap, err := ResolveAddrPort(" [::ffff:10.0.0.1]:80 ")
	if err != nil || ap.String() != "10.0.0.1:80" {
		t.Fatalf("mapped: %v %v", ap, err)
	}
	ap, err = ResolveAddrPort("localhost:8080")
	if err != nil || ap.Port() != 8080 || !ap.Addr().IsLoopback() {
		t.Fatalf("localhost: %v %v", ap, err)
	}
	if _, err := ResolveAddrPort("10.0.0.1"); err == nil {
		t.Fatal("missing port accepted")
	}
}

func TestEnv(t *testing.T) {
	t.Setenv("TCPVS_TEST_STR", " value ")
	t.Setenv("TCPVS_TEST_INT", "-3")
	t.Setenv("TCPVS_TEST_DUR", "250ms")

	if got := EnvStr("TCPVS_TEST_STR", "def"); got != "value" {
		t.Fatalf("EnvStr=%q", got)
	}
	if got := EnvStr("TCPVS_TEST_UNSET", "def"); got != "def" {
		t.Fatalf("EnvStr default=%q", got)
	}
	if got := EnvInt("TCPVS_TEST_INT", 7); got != 7 {
		t.Fatalf("EnvInt=%d", got)
	}
	if got := EnvDur("TCPVS_TEST_DUR", time.Second); got != 250*time.Millisecond {
		t.Fatalf("EnvDur=%v", got)
	}
}
