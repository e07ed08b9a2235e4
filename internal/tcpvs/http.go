package tcpvs

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/pokt-network/tcpvs/internal/httpmsg"
	"github.com/pokt-network/tcpvs/internal/logger"
	"github.com/pokt-network/tcpvs/internal/metrics"
)

// httpScheduler routes a client connection by its first request line and
// then steps aside: one backend per client, no pooling, no further parsing.
type httpScheduler struct {
	name string
	sel  Selector
}

func (s *httpScheduler) Name() string { return s.name }

func (s *httpScheduler) InitService(svc *Service) error {
	logger.L.Debug("scheduler bound to service",
		zap.String("scheduler", s.name),
		zap.String("service", svc.Name),
	)
	return nil
}

func (s *httpScheduler) DoneService(svc *Service) error {
	logger.L.Debug("scheduler released service",
		zap.String("scheduler", s.name),
		zap.String("service", svc.Name),
	)
	return nil
}

func (s *httpScheduler) UpdateService(*Service) error { return nil }

func (s *httpScheduler) Schedule(ctx context.Context, c *Conn, svc *Service) Verdict {
	r := c.Reader
	r.SetPeek(true)

	var req httpmsg.Request
	for {
		var err error
		req, _, err = httpmsg.ParseRequestLine(r.Unconsumed())
		if err == nil {
			break
		}
		if !errors.Is(err, httpmsg.ErrIncomplete) {
			metrics.ParseErrorsTotal.WithLabelValues(svc.Name, "request_line").Inc()
			logger.L.Debug("cannot parse request line", zap.String("service", svc.Name), zap.Error(err))
			return VerdictRedirect
		}
		if err := r.Fill(); err != nil {
			if len(r.Unconsumed()) == 0 {
				// client left without sending anything
				return VerdictHandled
			}
			if errors.Is(err, httpmsg.ErrLineTooLong) {
				metrics.ParseErrorsTotal.WithLabelValues(svc.Name, "too_long").Inc()
				return VerdictRedirect
			}
			logger.L.Debug("error reading request line", zap.String("service", svc.Name), zap.Error(err))
			return VerdictFailed
		}
	}

	dest := svc.MatchRule(req.URI, s.sel)
	if dest == nil {
		logger.L.Debug("cannot route request",
			zap.String("service", svc.Name),
			zap.ByteString("uri", req.URI),
			zap.Error(ErrNoDestination),
		)
		return VerdictRedirect
	}

	backend, err := connect2dest(ctx, c.rt.Dialer, dest)
	if err != nil {
		return VerdictRedirect
	}
	dest.SetActive(true)
	c.bind(dest, backend)
	return VerdictSelected
}
