//go:build !unix

package tcpvs

import (
	"net"
	"syscall"
)

func connAlive(net.Conn) bool { return true }

func reuseAddrControl(_, _ string, _ syscall.RawConn) error { return nil }
