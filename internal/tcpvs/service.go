// Package tcpvs is the content-aware TCP virtual server: services with
// ordered URI rules, destination selection, the backend connection pool and
// the schedulers that relay HTTP traffic request by request.
package tcpvs

import (
	"fmt"
	"net/netip"
	"regexp"
	"sync"
	"sync/atomic"

	"atomicgo.dev/robin"

	"github.com/pokt-network/tcpvs/internal/config"
	"github.com/pokt-network/tcpvs/internal/metrics"
)

// Destination is one backend server of a rule.
type Destination struct {
	AddrPort netip.AddrPort
	service  string

	weight atomic.Int32
	active atomic.Bool
	conns  atomic.Int32 // live client connections or in-flight requests
	refcnt atomic.Int32 // pooled connections bound to this destination
}

func NewDestination(service string, ap netip.AddrPort, weight int) *Destination {
	d := &Destination{AddrPort: ap, service: service}
	d.weight.Store(int32(weight))
	d.active.Store(true)
	return d
}

func (d *Destination) String() string { return d.AddrPort.String() }

func (d *Destination) Weight() int { return int(d.weight.Load()) }

func (d *Destination) SetWeight(w int) { d.weight.Store(int32(w)) }

func (d *Destination) Active() bool { return d.active.Load() }

func (d *Destination) SetActive(on bool) {
	d.active.Store(on)
	v := 0.0
	if on {
		v = 1
	}
	metrics.DestinationActive.WithLabelValues(d.service, d.String()).Set(v)
}

func (d *Destination) Conns() int { return int(d.conns.Load()) }

func (d *Destination) Refcnt() int { return int(d.refcnt.Load()) }

func (d *Destination) acquire() {
	d.conns.Add(1)
	metrics.DestinationConns.WithLabelValues(d.service, d.String()).Inc()
}

func (d *Destination) release() {
	d.conns.Add(-1)
	metrics.DestinationConns.WithLabelValues(d.service, d.String()).Dec()
}

func (d *Destination) bind() { d.refcnt.Add(1) }

func (d *Destination) unbind() { d.refcnt.Add(-1) }

// Rule routes URIs matching a pattern to its destinations.
type Rule struct {
	Pattern      string
	MatchNum     int // capture group feeding sticky hashing
	Destinations []*Destination

	rx *regexp.Regexp

	rrMu sync.Mutex
	rr   *robin.Loadbalancer[*Destination]
}

func NewRule(pattern string, matchNum int, dests []*Destination) (*Rule, error) {
	rx, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid rule pattern %q: %w", pattern, err)
	}
	if matchNum < 0 || matchNum > rx.NumSubexp() {
		return nil, fmt.Errorf("match_num %d out of range for %q", matchNum, pattern)
	}
	return newRule(pattern, rx, matchNum, dests), nil
}

func newRule(pattern string, rx *regexp.Regexp, matchNum int, dests []*Destination) *Rule {
	r := &Rule{Pattern: pattern, MatchNum: matchNum, Destinations: dests, rx: rx}
	if len(dests) > 0 {
		r.rr = robin.NewLoadbalancer(dests)
	}
	return r
}

// Service is a virtual endpoint with its own ordered rule list.
type Service struct {
	Name      string
	Listen    string
	Scheduler string
	Redirect  string
	MaxConns  int

	mu    sync.RWMutex
	rules []*Rule
	stop  atomic.Bool
}

func NewService(sc config.ServiceConfig) *Service {
	s := &Service{
		Name:      sc.Name,
		Listen:    sc.Listen,
		Scheduler: sc.Scheduler,
		Redirect:  sc.Redirect,
		MaxConns:  sc.MaxConns,
	}
	s.rules = BuildRules(sc.Name, sc.Rules, nil)
	metrics.RulesTotal.WithLabelValues(s.Name).Set(float64(len(s.rules)))
	return s
}

// Rules returns a snapshot of the rule list.
func (s *Service) Rules() []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// SetRules replaces the rule list under the write lock.
func (s *Service) SetRules(rules []*Rule) {
	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
	metrics.RulesTotal.WithLabelValues(s.Name).Set(float64(len(rules)))
}

// UpdateRules rebuilds the rule list from configuration, keeping the
// Destination objects (and their counters) of unchanged rule/address pairs.
func (s *Service) UpdateRules(cfgs []config.RuleConfig) {
	s.SetRules(BuildRules(s.Name, cfgs, s.Rules()))
}

// FindDestination returns the first destination with the given address.
func (s *Service) FindDestination(ap netip.AddrPort) *Destination {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		for _, d := range r.Destinations {
			if d.AddrPort == ap {
				return d
			}
		}
	}
	return nil
}

func (s *Service) Stop() { s.stop.Store(true) }

func (s *Service) Stopped() bool { return s.stop.Load() }

// BuildRules turns rule configuration into rules. Destinations of old rules
// with the same pattern and address are reused and get the new weight.
func BuildRules(service string, cfgs []config.RuleConfig, old []*Rule) []*Rule {
	prev := make(map[string]map[netip.AddrPort]*Destination, len(old))
	for _, r := range old {
		m := prev[r.Pattern]
		if m == nil {
			m = make(map[netip.AddrPort]*Destination)
			prev[r.Pattern] = m
		}
		for _, d := range r.Destinations {
			m[d.AddrPort] = d
		}
	}

	rules := make([]*Rule, 0, len(cfgs))
	for _, rc := range cfgs {
		rx := rc.Regexp
		if rx == nil {
			var err error
			if rx, err = regexp.Compile(rc.Pattern); err != nil {
				continue
			}
		}
		dests := make([]*Destination, 0, len(rc.Destinations))
		for _, dc := range rc.Destinations {
			if d, ok := prev[rc.Pattern][dc.AddrPort]; ok {
				d.SetWeight(dc.EffectiveWeight())
				delete(prev[rc.Pattern], dc.AddrPort)
				dests = append(dests, d)
				continue
			}
			d := NewDestination(service, dc.AddrPort, dc.EffectiveWeight())
			metrics.DestinationActive.WithLabelValues(service, d.String()).Set(1)
			dests = append(dests, d)
		}
		rules = append(rules, newRule(rc.Pattern, rx, rc.MatchNum, dests))
	}
	return rules
}
