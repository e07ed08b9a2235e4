//go:build unix

package tcpvs

import (
	"net"
	"testing"
	"time"
)

func TestConnAlive(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	peers := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			peers <- c
		}
	}()
	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	peer := <-peers

	if !connAlive(conn) {
		t.Fatal("quiet connection reported dead")
	}

	_ = peer.Close()
	deadline := time.Now().Add(2 * time.Second)
	for connAlive(conn) {
		if time.Now().After(deadline) {
			t.Fatal("closed connection reported alive")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
