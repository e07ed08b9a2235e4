package httpmsg

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"testing/iotest"
	"time"
)

func TestLineReader_ReassemblesSplitLines(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: a\r\n\r\n"
	r := NewLineReader(iotest.OneByteReader(strings.NewReader(raw)), 8, 4, 0)

	want := []string{"GET / HTTP/1.1", "Host: a", ""}
	for _, w := range want {
		line, raw, err := r.ReadLine()
		if err != nil {
			t.Fatalf("ReadLine: %v", err)
		}
		if string(line) != w {
			t.Fatalf("line=%q want %q", line, w)
		}
		if string(raw) != w+"\r\n" {
			t.Fatalf("raw=%q", raw)
		}
	}
	if _, _, err := r.ReadLine(); !errors.Is(err, io.EOF) {
		t.Fatalf("err=%v, want EOF", err)
	}
}

func TestLineReader_BareLF(t *testing.T) {
	r := NewLineReader(strings.NewReader("a\nb\r\n"), 16, 1, 0)
	line, raw, err := r.ReadLine()
	if err != nil || string(line) != "a" || string(raw) != "a\n" {
		t.Fatalf("line=%q raw=%q err=%v", line, raw, err)
	}
}

func TestLineReader_LineTooLong(t *testing.T) {
	r := NewLineReader(strings.NewReader("0123456789\r\n"), 4, 2, 0)
	if _, _, err := r.ReadLine(); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("err=%v, want ErrLineTooLong", err)
	}
}

func TestLineReader_PeekThenConsumeOnce(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: a\r\n\r\n"
	r := NewLineReader(iotest.OneByteReader(strings.NewReader(raw)), 8, 8, 0)
	r.SetPeek(true)

	line, _, err := r.ReadLine()
	if err != nil || string(line) != "GET / HTTP/1.1" {
		t.Fatalf("peek line=%q err=%v", line, err)
	}
	if !bytes.HasPrefix(r.Unconsumed(), []byte("GET / HTTP/1.1\r\n")) {
		t.Fatalf("peeked line not kept: %q", r.Unconsumed())
	}

	r.StopPeek()
	if r.Peeking() {
		t.Fatal("still peeking")
	}
	if bytes.Contains(r.Unconsumed(), []byte("GET")) {
		t.Fatalf("peeked line not consumed: %q", r.Unconsumed())
	}
	line, _, err = r.ReadLine()
	if err != nil || string(line) != "Host: a" {
		t.Fatalf("next line=%q err=%v", line, err)
	}
	line, _, err = r.ReadLine()
	if err != nil || len(line) != 0 {
		t.Fatalf("blank line=%q err=%v", line, err)
	}
}

func TestLineReader_PeekKeepsEveryLine(t *testing.T) {
	raw := "a\r\nb\r\nc\r\n"
	r := NewLineReader(iotest.OneByteReader(strings.NewReader(raw)), 4, 4, 0)
	r.SetPeek(true)
	for _, w := range []string{"a", "b"} {
		line, _, err := r.ReadLine()
		if err != nil || string(line) != w {
			t.Fatalf("line=%q err=%v", line, err)
		}
	}
	if string(r.Unconsumed()) != "a\r\nb\r\n" {
		t.Fatalf("unconsumed=%q", r.Unconsumed())
	}
	r.StopPeek()
	line, _, err := r.ReadLine()
	if err != nil || string(line) != "c" {
		t.Fatalf("line=%q err=%v", line, err)
	}
}

func TestLineReader_CopyN(t *testing.T) {
	r := NewLineReader(strings.NewReader("hello world"), 64, 1, 0)
	var out bytes.Buffer
	if err := r.CopyN(&out, 5); err != nil {
		t.Fatalf("CopyN: %v", err)
	}
	if out.String() != "hello" {
		t.Fatalf("out=%q", out.String())
	}
	if r.Buffered() != len(" world") {
		t.Fatalf("buffered=%d", r.Buffered())
	}

	r = NewLineReader(strings.NewReader("abc"), 64, 1, 0)
	if err := r.CopyN(io.Discard, 5); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("short body: %v", err)
	}
}

func TestLineReader_CopyAll(t *testing.T) {
	r := NewLineReader(iotest.OneByteReader(strings.NewReader("x\r\nrest of stream")), 4, 1, 0)
	if _, _, err := r.ReadLine(); err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	var out bytes.Buffer
	n, err := r.CopyAll(&out)
	if err != nil {
		t.Fatalf("CopyAll: %v", err)
	}
	if out.String() != "rest of stream" || n != int64(len("rest of stream")) {
		t.Fatalf("out=%q n=%d", out.String(), n)
	}
}

func TestLineReader_WaitData(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	r := NewLineReader(server, 64, 1, time.Second)
	ok, err := r.WaitData(20 * time.Millisecond)
	if err != nil || ok {
		t.Fatalf("quiet wait: ok=%v err=%v", ok, err)
	}

	go func() {
		_, _ = client.Write([]byte("ping\r\n"))
	}()
	ok, err = r.WaitData(time.Second)
	if err != nil || !ok {
		t.Fatalf("wait with data: ok=%v err=%v", ok, err)
	}
	line, _, err := r.ReadLine()
	if err != nil || string(line) != "ping" {
		t.Fatalf("line=%q err=%v", line, err)
	}

	_ = client.Close()
	if _, err := r.WaitData(time.Second); !errors.Is(err, io.EOF) {
		t.Fatalf("closed peer: %v", err)
	}
}
