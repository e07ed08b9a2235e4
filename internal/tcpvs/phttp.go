package tcpvs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pokt-network/tcpvs/internal/httpmsg"
	"github.com/pokt-network/tcpvs/internal/logger"
	"github.com/pokt-network/tcpvs/internal/metrics"
)

var badGateway = []byte("HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n")

// phttpScheduler routes every request of a persistent client connection on
// its own, through pooled backend connections. HTTP/1.0 requests get a
// dedicated backend and are left to the caller.
type phttpScheduler struct{}

func (*phttpScheduler) Name() string { return "phttp" }

func (*phttpScheduler) InitService(svc *Service) error {
	logger.L.Debug("scheduler bound to service", zap.String("scheduler", "phttp"), zap.String("service", svc.Name))
	return nil
}

func (*phttpScheduler) DoneService(svc *Service) error {
	logger.L.Debug("scheduler released service", zap.String("scheduler", "phttp"), zap.String("service", svc.Name))
	return nil
}

func (*phttpScheduler) UpdateService(*Service) error { return nil }

func (p *phttpScheduler) Schedule(ctx context.Context, c *Conn, svc *Service) Verdict {
	r := c.Reader
	// only the first request line is peeked, so an unroutable connection
	// can still be handed over untouched
	r.SetPeek(true)
	lastRead := time.Now()

	for {
		if err := c.waitData(ctx, svc, lastRead); err != nil {
			logger.L.Debug("persistent connection ends", zap.String("service", svc.Name), zap.Error(err))
			return idleVerdict(err)
		}
		lastRead = time.Now()

		_, raw, err := r.ReadLine()
		if err != nil {
			if errors.Is(err, httpmsg.ErrLineTooLong) {
				metrics.ParseErrorsTotal.WithLabelValues(svc.Name, "too_long").Inc()
				return unroutable(r)
			}
			logger.L.Debug("error reading request line", zap.String("service", svc.Name), zap.Error(err))
			return VerdictFailed
		}
		req, _, err := httpmsg.ParseRequestLine(raw)
		if err != nil {
			metrics.ParseErrorsTotal.WithLabelValues(svc.Name, "request_line").Inc()
			logger.L.Debug("cannot parse request line", zap.String("service", svc.Name), zap.Error(err))
			return unroutable(r)
		}

		dest := svc.MatchRule(req.URI, Sticky)
		if dest == nil {
			logger.L.Debug("cannot route request",
				zap.String("service", svc.Name),
				zap.ByteString("uri", req.URI),
				zap.Error(ErrNoDestination),
			)
			return unroutable(r)
		}

		if req.Version == httpmsg.Version10 {
			return p.oneShot(ctx, c, dest, raw)
		}

		sc, err := c.checkout(ctx, dest)
		if err != nil {
			return unroutable(r)
		}
		r.StopPeek()

		if done, v := p.exchange(ctx, c, svc, dest, sc, req, raw); done {
			return v
		}
	}
}

// oneShot connects a dedicated backend for an HTTP/1.0 request. While
// peeking the request line is still unconsumed and the caller forwards it;
// otherwise it is written here.
func (p *phttpScheduler) oneShot(ctx context.Context, c *Conn, dest *Destination, reqLine []byte) Verdict {
	peeking := c.Reader.Peeking()
	backend, err := connect2dest(ctx, c.rt.Dialer, dest)
	if err != nil {
		if peeking {
			return VerdictRedirect
		}
		return VerdictFailed
	}
	dest.SetActive(true)
	if !peeking {
		if _, err := (deadlineWriter{conn: backend, timeout: c.rt.IOTimeout}).Write(reqLine); err != nil {
			_ = backend.Close()
			return VerdictFailed
		}
	}
	c.bind(dest, backend)
	return VerdictSelected
}

// exchange relays one request and its response over sc. It reports whether
// the client loop is over and, if so, with which verdict. sc is always
// either put back or freed.
func (p *phttpScheduler) exchange(ctx context.Context, c *Conn, svc *Service, dest *Destination,
	sc *ServerConn, req httpmsg.Request, reqLine []byte) (bool, Verdict) {
	pool := c.rt.Pool
	start := time.Now()
	dest.acquire()
	defer dest.release()

	r := c.Reader
	fail := func(side string, err error) {
		pool.Free(sc)
		metrics.RelayErrorsTotal.WithLabelValues(svc.Name, dest.String()).Inc()
		logger.L.Debug("relay error",
			zap.String("service", svc.Name),
			zap.String("destination", dest.String()),
			zap.String("side", side),
			zap.Error(err),
		)
	}

	// request leg: the client stream is read to the end of the message even
	// when the backend stops accepting it
	bw := &sideWriter{w: deadlineWriter{conn: sc.Conn, timeout: c.rt.IOTimeout}, drain: true}
	_, _ = bw.Write(reqLine)
	reqMIME := req.MIME
	if err := httpmsg.ReadHeaders(r, &reqMIME, forwardTo(bw)); err != nil {
		fail("client", err)
		return true, VerdictFailed
	}
	if err := httpmsg.RelayBody(bw, r, &reqMIME, reqMIME.RequestFraming()); err != nil {
		fail("client", err)
		return true, VerdictFailed
	}
	if bw.err != nil {
		fail("server", bw.err)
		return p.replyBadGateway(c, reqMIME.ConnectionClose)
	}

	// response leg
	br := httpmsg.NewLineReader(sc.Conn, c.rt.BufferSize, c.rt.MaxSegments, c.rt.IOTimeout)
	cw := &sideWriter{w: deadlineWriter{conn: c.Client, timeout: c.rt.IOTimeout}}
	resp, f, err := relayResponse(br, cw, req.Method)
	switch {
	case cw.err != nil:
		fail("client", cw.err)
		return true, VerdictFailed
	case err != nil:
		fail("server", err)
		if cw.written > 0 {
			return true, VerdictFailed
		}
		return p.replyBadGateway(c, reqMIME.ConnectionClose)
	}

	metrics.RequestsTotal.WithLabelValues(svc.Name, dest.String(), strconv.Itoa(resp.StatusCode)).Inc()
	metrics.RequestDuration.WithLabelValues(svc.Name, dest.String()).Observe(time.Since(start).Seconds())

	if resp.StatusCode == 101 {
		p.tunnel(ctx, c, sc, br)
		pool.Free(sc)
		return true, VerdictHandled
	}

	keepServer := f != httpmsg.FramingClose &&
		!resp.MIME.ConnectionClose &&
		(resp.Version == httpmsg.Version11 || resp.MIME.KeepAlive) &&
		br.Buffered() == 0
	if keepServer {
		pool.Put(sc)
	} else {
		pool.Free(sc)
	}

	if reqMIME.ConnectionClose || resp.MIME.ConnectionClose || f == httpmsg.FramingClose {
		return true, VerdictHandled
	}
	return false, VerdictHandled
}

func (p *phttpScheduler) replyBadGateway(c *Conn, closing bool) (bool, Verdict) {
	if _, err := (deadlineWriter{conn: c.Client, timeout: c.rt.IOTimeout}).Write(badGateway); err != nil {
		return true, VerdictFailed
	}
	return closing, VerdictHandled
}

// tunnel hands an upgraded connection over to a raw two-way copy.
func (p *phttpScheduler) tunnel(ctx context.Context, c *Conn, sc *ServerConn, br *httpmsg.LineReader) {
	if b := br.Unconsumed(); len(b) > 0 {
		if _, err := c.Client.Write(b); err != nil {
			return
		}
	}
	if err := c.forwardUnconsumed(sc.Conn); err != nil {
		return
	}
	clearDeadlines(c.Client, sc.Conn)
	splice(ctx, c.Client, sc.Conn)
}

// relayResponse forwards interim responses and then the final response to
// cw. The status line is parsed before it is forwarded, so a garbled one
// leaves the client untouched.
func relayResponse(br *httpmsg.LineReader, cw *sideWriter, method httpmsg.Method) (httpmsg.Response, httpmsg.Framing, error) {
	var resp httpmsg.Response
	for {
		_, raw, err := br.ReadLine()
		if err != nil {
			return resp, httpmsg.FramingNone, err
		}
		resp, _, err = httpmsg.ParseStatusLine(raw)
		if err != nil {
			return resp, httpmsg.FramingNone, fmt.Errorf("status line: %w", err)
		}
		if _, err := cw.Write(raw); err != nil {
			return resp, httpmsg.FramingNone, err
		}
		if err := httpmsg.ReadHeaders(br, &resp.MIME, forwardTo(cw)); err != nil {
			return resp, httpmsg.FramingNone, err
		}
		if resp.StatusCode >= 200 || resp.StatusCode == 101 {
			break
		}
	}
	if !httpmsg.BodyAllowed(method, resp.StatusCode) {
		return resp, httpmsg.FramingNone, nil
	}
	f := resp.MIME.ResponseFraming()
	return resp, f, httpmsg.RelayBody(cw, br, &resp.MIME, f)
}

func forwardTo(w io.Writer) func([]byte) error {
	return func(raw []byte) error {
		_, err := w.Write(raw)
		return err
	}
}

// checkout takes an idle pooled connection to dest, dropping any the peer
// closed meanwhile, or opens a new one.
func (c *Conn) checkout(ctx context.Context, dest *Destination) (*ServerConn, error) {
	pool := c.rt.Pool
	for {
		sc := pool.Get(dest.AddrPort)
		if sc == nil {
			break
		}
		if connAlive(sc.Conn) {
			return sc, nil
		}
		pool.Free(sc)
	}
	return pool.New(ctx, dest)
}

// unroutable is the verdict for a request that cannot be served: redirect
// while its bytes are still unconsumed, fail otherwise.
func unroutable(r *httpmsg.LineReader) Verdict {
	if r.Peeking() {
		return VerdictRedirect
	}
	return VerdictFailed
}

func idleVerdict(err error) Verdict {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, errServiceStopped),
		errors.Is(err, errIdleTimeout),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return VerdictHandled
	}
	return VerdictFailed
}
