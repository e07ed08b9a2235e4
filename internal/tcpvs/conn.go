package tcpvs

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/pokt-network/tcpvs/internal/httpmsg"
)

var (
	errServiceStopped = errors.New("service stopped")
	errIdleTimeout    = errors.New("client idle timeout")
)

// Runtime holds what every scheduler shares: the backend pool, how to dial
// and the timing knobs.
type Runtime struct {
	Pool   *ServerConnPool
	Dialer Dialer

	KeepAliveTimeout time.Duration // client idle limit between requests
	PollInterval     time.Duration
	IOTimeout        time.Duration

	BufferSize  int
	MaxSegments int
}

// Conn is the state of one accepted client connection.
type Conn struct {
	Client net.Conn
	Reader *httpmsg.LineReader

	// set when a scheduler selected a destination for one-shot relay
	Dest    *Destination
	Backend net.Conn

	rt *Runtime
}

func NewConn(client net.Conn, rt *Runtime) *Conn {
	return &Conn{
		Client: client,
		Reader: httpmsg.NewLineReader(client, rt.BufferSize, rt.MaxSegments, rt.IOTimeout),
		rt:     rt,
	}
}

// bind hands the connection a dedicated backend to dest.
func (c *Conn) bind(dest *Destination, backend net.Conn) {
	dest.acquire()
	c.Dest = dest
	c.Backend = backend
}

// Close releases the selected destination and closes both sockets.
func (c *Conn) Close() error {
	if c.Dest != nil {
		c.Dest.release()
		c.Dest = nil
	}
	if c.Backend != nil {
		_ = c.Backend.Close()
		c.Backend = nil
	}
	return c.Client.Close()
}

// waitData blocks until the client sent something, polling every
// PollInterval so the stop flag, ctx and the idle limit are honored.
func (c *Conn) waitData(ctx context.Context, svc *Service, lastRead time.Time) error {
	for {
		ok, err := c.Reader.WaitData(c.rt.PollInterval)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if svc.Stopped() {
			return errServiceStopped
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.rt.KeepAliveTimeout > 0 && time.Since(lastRead) > c.rt.KeepAliveTimeout {
			return errIdleTimeout
		}
	}
}

// forwardUnconsumed writes the client bytes nobody consumed yet to dst.
func (c *Conn) forwardUnconsumed(dst net.Conn) error {
	r := c.Reader
	if b := r.Unconsumed(); len(b) > 0 {
		if _, err := (deadlineWriter{conn: dst, timeout: c.rt.IOTimeout}).Write(b); err != nil {
			return err
		}
	}
	r.StopPeek()
	r.Consume()
	return nil
}

// Relay forwards the pending client bytes to the selected backend and then
// copies both directions until either side is done.
func (c *Conn) Relay(ctx context.Context) error {
	if c.Backend == nil {
		return errors.New("no backend selected")
	}
	if err := c.forwardUnconsumed(c.Backend); err != nil {
		return err
	}
	clearDeadlines(c.Client, c.Backend)
	splice(ctx, c.Client, c.Backend)
	return nil
}

func clearDeadlines(conns ...net.Conn) {
	for _, conn := range conns {
		_ = conn.SetDeadline(time.Time{})
	}
}
