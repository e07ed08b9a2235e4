package tcpvs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/pokt-network/tcpvs/internal/config"
	"github.com/pokt-network/tcpvs/internal/logger"
	"github.com/pokt-network/tcpvs/internal/metrics"
)

var (
	ErrUnknownService     = errors.New("unknown service")
	ErrUnknownDestination = errors.New("unknown destination")
)

const maxAcceptDelay = time.Second

// serviceRunner is a started service: its listener and the scheduler that
// serves its connections.
type serviceRunner struct {
	svc   *Service
	sched Scheduler
	ln    net.Listener
	done  chan struct{}
}

// Server runs every configured service on a shared backend pool and a
// shared worker pool.
type Server struct {
	rt       *Runtime
	workers  *pond.WorkerPool
	cron     *cron.Cron
	stats    string
	services *xsync.Map[string, *serviceRunner]

	mu     sync.Mutex // serializes Apply and Shutdown
	ctx    context.Context
	cancel context.CancelFunc
	ready  atomic.Bool
}

func NewServer(cfg *config.Config) *Server {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
	rt := &Runtime{
		Pool:             NewServerConnPool(cfg.KeepAliveTimeout, dialer),
		Dialer:           dialer,
		KeepAliveTimeout: cfg.KeepAliveTimeout,
		PollInterval:     cfg.PollInterval,
		IOTimeout:        cfg.IOTimeout,
		BufferSize:       cfg.BufferSize,
		MaxSegments:      cfg.MaxSegments,
	}
	return &Server{
		rt: rt,
		workers: pond.New(cfg.MaxClients, cfg.MaxClients,
			pond.PanicHandler(func(p interface{}) {
				logger.L.Error("panic in connection worker", zap.Any("panic", p))
			}),
		),
		cron:     cron.New(),
		stats:    cfg.StatsInterval,
		services: xsync.NewMap[string, *serviceRunner](),
		ctx:      context.Background(),
		cancel:   func() {},
	}
}

// Runtime exposes the shared scheduling runtime.
func (s *Server) Runtime() *Runtime { return s.rt }

// Start opens every service of cfg and starts the periodic stats job.
// Services that fail to start are logged and reported together.
func (s *Server) Start(ctx context.Context, cfg *config.Config) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	err := s.Apply(cfg)

	if s.stats != "" {
		if _, cerr := s.cron.AddFunc(s.stats, s.logStats); cerr != nil {
			logger.L.Warn("invalid stats interval, stats job disabled",
				zap.String("stats_interval", s.stats),
				zap.Error(cerr),
			)
		}
	}
	s.cron.Start()

	s.ready.Store(s.services.Size() > 0)
	return err
}

// Ready reports whether at least one service accepts connections.
func (s *Server) Ready() bool { return s.ready.Load() }

// Apply reconciles the running services with cfg. Services with the same
// name, listener and scheduler keep running and only get their rules
// replaced; the others are restarted, started or stopped.
func (s *Server) Apply(cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(cfg.Services))
	var errs []error
	for _, sc := range cfg.Services {
		seen[sc.Name] = struct{}{}
		if r, ok := s.services.Load(sc.Name); ok {
			if sameEndpoint(r.svc, sc) {
				r.svc.UpdateRules(sc.Rules)
				if err := r.sched.UpdateService(r.svc); err != nil {
					errs = append(errs, fmt.Errorf("update service %s: %w", sc.Name, err))
				}
				logger.L.Info("service rules updated",
					zap.String("service", sc.Name),
					zap.Int("rules", len(sc.Rules)),
				)
				continue
			}
			s.stopService(r)
		}
		if err := s.startService(sc); err != nil {
			errs = append(errs, err)
		}
	}

	var stale []*serviceRunner
	s.services.Range(func(name string, r *serviceRunner) bool {
		if _, ok := seen[name]; !ok {
			stale = append(stale, r)
		}
		return true
	})
	for _, r := range stale {
		s.stopService(r)
	}

	s.ready.Store(s.services.Size() > 0)
	return errors.Join(errs...)
}

func sameEndpoint(svc *Service, sc config.ServiceConfig) bool {
	return svc.Listen == sc.Listen &&
		svc.Scheduler == sc.Scheduler &&
		svc.Redirect == sc.Redirect &&
		svc.MaxConns == sc.MaxConns
}

func (s *Server) startService(sc config.ServiceConfig) error {
	sched, ok := LookupScheduler(sc.Scheduler)
	if !ok {
		return fmt.Errorf("service %s: %w: %s", sc.Name, ErrSchedulerUnknown, sc.Scheduler)
	}
	svc := NewService(sc)
	if err := sched.InitService(svc); err != nil {
		return fmt.Errorf("init service %s: %w", sc.Name, err)
	}

	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(s.ctx, "tcp", sc.Listen)
	if err != nil {
		_ = sched.DoneService(svc)
		return fmt.Errorf("listen service %s on %s: %w", sc.Name, sc.Listen, err)
	}
	if sc.MaxConns > 0 {
		ln = netutil.LimitListener(ln, sc.MaxConns)
	}

	r := &serviceRunner{svc: svc, sched: sched, ln: ln, done: make(chan struct{})}
	s.services.Store(sc.Name, r)
	go s.acceptLoop(r)

	logger.L.Info("service started",
		zap.String("service", sc.Name),
		zap.String("listen", ln.Addr().String()),
		zap.String("scheduler", sched.Name()),
		zap.Int("rules", len(svc.Rules())),
	)
	return nil
}

// stopService closes the listener and raises the stop flag. Connections
// in flight notice the flag at their next idle poll.
func (s *Server) stopService(r *serviceRunner) {
	r.svc.Stop()
	_ = r.ln.Close()
	<-r.done
	if err := r.sched.DoneService(r.svc); err != nil {
		logger.L.Warn("error releasing service", zap.String("service", r.svc.Name), zap.Error(err))
	}
	s.services.Delete(r.svc.Name)
	metrics.RulesTotal.DeleteLabelValues(r.svc.Name)
	logger.L.Info("service stopped", zap.String("service", r.svc.Name))
}

func (s *Server) acceptLoop(r *serviceRunner) {
	defer close(r.done)
	name := r.svc.Name

	var delay time.Duration
	for {
		client, err := r.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || r.svc.Stopped() {
				return
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			logger.L.Warn("accept error",
				zap.String("service", name),
				zap.Error(err),
				zap.Duration("retry_in", delay),
			)
			time.Sleep(delay)
			continue
		}
		delay = 0

		metrics.ConnectionsTotal.WithLabelValues(name).Inc()
		if !s.workers.TrySubmit(func() { s.handleConn(r, client) }) {
			metrics.WorkerRejectionsTotal.WithLabelValues(name).Inc()
			logger.L.Warn("too many clients, connection dropped",
				zap.String("service", name),
				zap.String("remote_addr", client.RemoteAddr().String()),
			)
			_ = client.Close()
		}
	}
}

func (s *Server) handleConn(r *serviceRunner, client net.Conn) {
	name := r.svc.Name
	metrics.ActiveConnections.WithLabelValues(name).Inc()
	defer metrics.ActiveConnections.WithLabelValues(name).Dec()

	c := NewConn(client, s.rt)
	defer c.Close()

	v := r.sched.Schedule(s.ctx, c, r.svc)
	metrics.ScheduleResultsTotal.WithLabelValues(name, r.sched.Name(), v.String()).Inc()

	switch v {
	case VerdictSelected:
		if err := c.Relay(s.ctx); err != nil {
			logger.L.Debug("relay failed", zap.String("service", name), zap.Error(err))
		}
	case VerdictRedirect:
		s.redirect(r.svc, c)
	case VerdictFailed:
		logger.L.Debug("connection closed on error",
			zap.String("service", name),
			zap.String("remote_addr", client.RemoteAddr().String()),
		)
	}
}

// redirect hands the still unconsumed client bytes to the service's local
// fallback, or drops the connection when there is none.
func (s *Server) redirect(svc *Service, c *Conn) {
	if svc.Redirect == "" {
		logger.L.Debug("no redirect target, closing connection", zap.String("service", svc.Name))
		return
	}
	backend, err := s.rt.Dialer.DialContext(s.ctx, "tcp", svc.Redirect)
	if err != nil {
		logger.L.Warn("error connecting to redirect target",
			zap.String("service", svc.Name),
			zap.String("redirect", svc.Redirect),
			zap.Error(err),
		)
		return
	}
	c.Backend = backend
	if err := c.Relay(s.ctx); err != nil {
		logger.L.Debug("redirect relay failed", zap.String("service", svc.Name), zap.Error(err))
	}
}

// Service returns the running service with the given name.
func (s *Server) Service(name string) (*Service, bool) {
	r, ok := s.services.Load(name)
	if !ok {
		return nil, false
	}
	return r.svc, true
}

// Addr returns the listening address of a running service.
func (s *Server) Addr(name string) net.Addr {
	r, ok := s.services.Load(name)
	if !ok {
		return nil
	}
	return r.ln.Addr()
}

// Activate marks a destination of a service active again.
func (s *Server) Activate(service, addr string) error {
	svc, ok := s.Service(service)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return fmt.Errorf("invalid destination %q: %w", addr, err)
	}
	d := svc.FindDestination(ap)
	if d == nil {
		return fmt.Errorf("%w: %s in %s", ErrUnknownDestination, addr, service)
	}
	d.SetActive(true)
	logger.L.Info("destination activated", zap.String("service", service), zap.String("destination", addr))
	return nil
}

// FlushPool frees every idle backend connection and keeps the pool open.
func (s *Server) FlushPool() int {
	n := s.rt.Pool.Purge()
	logger.L.Info("flushed idle server connections", zap.Int("count", n))
	return n
}

// Shutdown stops every service, waits for client connections to end and
// then flushes the backend pool.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)

	s.mu.Lock()
	var runners []*serviceRunner
	s.services.Range(func(_ string, r *serviceRunner) bool {
		runners = append(runners, r)
		return true
	})
	for _, r := range runners {
		s.stopService(r)
	}
	s.cancel()
	s.mu.Unlock()

	<-s.cron.Stop().Done()

	drained := make(chan struct{})
	go func() {
		s.workers.StopAndWait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		logger.L.Warn("client connections still open at shutdown", zap.Int("running", s.workers.RunningWorkers()))
	}

	return s.rt.Pool.Flush(ctx)
}
