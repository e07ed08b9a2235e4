package tcpvs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/pokt-network/tcpvs/internal/logger"
	"github.com/pokt-network/tcpvs/internal/metrics"
)

// ErrConnect wraps every failure to reach a destination.
var ErrConnect = errors.New("destination unreachable")

// Dialer opens backend connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// connect2dest opens a socket to dest. A failure marks the destination
// inactive.
func connect2dest(ctx context.Context, d Dialer, dest *Destination) (net.Conn, error) {
	conn, err := d.DialContext(ctx, "tcp", dest.String())
	if err != nil {
		dest.SetActive(false)
		metrics.ConnectFailuresTotal.WithLabelValues(dest.String()).Inc()
		logger.L.Warn("error connecting to destination",
			zap.String("destination", dest.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, dest, err)
	}
	return conn, nil
}

// deadlineWriter arms a write deadline before every write.
type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w deadlineWriter) Write(p []byte) (int, error) {
	if w.timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	return w.conn.Write(p)
}

// sideWriter remembers the first write error of one side of a relay. With
// drain set, writes after that error are swallowed so the reading side can
// finish the message it is in.
type sideWriter struct {
	w       io.Writer
	drain   bool
	err     error
	written int64
}

func (s *sideWriter) Write(p []byte) (int, error) {
	if s.err != nil {
		if s.drain {
			return len(p), nil
		}
		return 0, s.err
	}
	n, err := s.w.Write(p)
	s.written += int64(n)
	if err != nil {
		s.err = err
		if s.drain {
			return len(p), nil
		}
	}
	return n, err
}

// splice copies both directions until each side is done or ctx ends.
func splice(ctx context.Context, a, b net.Conn) {
	errc := make(chan error, 2)
	cp := func(dst, src net.Conn) {
		_, err := io.Copy(dst, src)
		closeWrite(dst)
		errc <- err
	}
	go cp(a, b)
	go cp(b, a)

	done := 0
	for done < 2 {
		select {
		case err := <-errc:
			done++
			if err != nil && !errors.Is(err, net.ErrClosed) {
				logger.L.Debug("relay ended with error", zap.Error(err))
			}
		case <-ctx.Done():
			_ = a.Close()
			_ = b.Close()
			for ; done < 2; done++ {
				<-errc
			}
			return
		}
	}
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}
