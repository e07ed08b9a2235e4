package tcpvs

import (
	"sort"

	"go.uber.org/zap"

	"github.com/pokt-network/tcpvs/internal/logger"
)

type DestinationStatus struct {
	Addr   string `json:"addr"`
	Weight int    `json:"weight"`
	Active bool   `json:"active"`
	Conns  int    `json:"conns"`
	Refcnt int    `json:"refcnt"`
}

type RuleStatus struct {
	Pattern      string              `json:"pattern"`
	MatchNum     int                 `json:"match_num"`
	Destinations []DestinationStatus `json:"destinations"`
}

type ServiceStatus struct {
	Name      string       `json:"name"`
	Listen    string       `json:"listen"`
	Scheduler string       `json:"scheduler"`
	Redirect  string       `json:"redirect,omitempty"`
	Rules     []RuleStatus `json:"rules"`
}

// Status returns a point-in-time view of every running service, sorted by
// name.
func (s *Server) Status() []ServiceStatus {
	var out []ServiceStatus
	s.services.Range(func(_ string, r *serviceRunner) bool {
		out = append(out, r.status())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *serviceRunner) status() ServiceStatus {
	st := ServiceStatus{
		Name:      r.svc.Name,
		Listen:    r.ln.Addr().String(),
		Scheduler: r.sched.Name(),
		Redirect:  r.svc.Redirect,
	}
	for _, rule := range r.svc.Rules() {
		rs := RuleStatus{Pattern: rule.Pattern, MatchNum: rule.MatchNum}
		for _, d := range rule.Destinations {
			rs.Destinations = append(rs.Destinations, DestinationStatus{
				Addr:   d.String(),
				Weight: d.Weight(),
				Active: d.Active(),
				Conns:  d.Conns(),
				Refcnt: d.Refcnt(),
			})
		}
		st.Rules = append(st.Rules, rs)
	}
	return st
}

// logStats is the periodic stats job.
func (s *Server) logStats() {
	pool := s.rt.Pool
	logger.L.Info("server connection pool",
		zap.Int64("connections", pool.Len()),
		zap.Int("idle", pool.Idle()),
		zap.Int("running_workers", s.workers.RunningWorkers()),
	)
	for _, st := range s.Status() {
		for _, rs := range st.Rules {
			for _, d := range rs.Destinations {
				logger.L.Info("destination",
					zap.String("service", st.Name),
					zap.String("rule", rs.Pattern),
					zap.String("destination", d.Addr),
					zap.Int("weight", d.Weight),
					zap.Bool("active", d.Active),
					zap.Int("conns", d.Conns),
					zap.Int("refcnt", d.Refcnt),
				)
			}
		}
	}
}
