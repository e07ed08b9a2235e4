//go:build unix

package tcpvs

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// connAlive peeks the socket without blocking. An idle backend connection
// is alive when nothing is readable; EOF means the peer closed it and
// unexpected data means it is out of sync.
func connAlive(c net.Conn) bool {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return true
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return false
	}
	alive := false
	var buf [1]byte
	cerr := raw.Read(func(fd uintptr) bool {
		_, _, rerr := unix.Recvfrom(int(fd), buf[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		alive = rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK
		return true
	})
	return cerr == nil && alive
}

// reuseAddrControl sets SO_REUSEADDR on listening sockets.
func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return serr
}
