package httpmsg

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
)

// Framing tells how the end of a message body is found.
type Framing uint8

const (
	FramingNone Framing = iota
	FramingLength
	FramingChunked
	FramingMultipart
	FramingClose // body ends when the sender closes the connection
)

func (f Framing) String() string {
	switch f {
	case FramingLength:
		return "length"
	case FramingChunked:
		return "chunked"
	case FramingMultipart:
		return "multipart"
	case FramingClose:
		return "close"
	default:
		return "none"
	}
}

// RequestFraming derives the framing of a request body. A request without
// length or chunking has no body.
func (m *MIME) RequestFraming() Framing {
	switch {
	case m.Chunked:
		return FramingChunked
	case m.ContentLength >= 0:
		return FramingLength
	case m.Sep != nil:
		return FramingMultipart
	}
	return FramingNone
}

// ResponseFraming derives the framing of a response body that is allowed
// to exist. Without any framing header it runs until the connection closes.
func (m *MIME) ResponseFraming() Framing {
	if f := m.RequestFraming(); f != FramingNone {
		return f
	}
	return FramingClose
}

// ReadHeaders reads header lines from r until the blank line, handing each
// raw line to forward before parsing it into m.
func ReadHeaders(r *LineReader, m *MIME, forward func(raw []byte) error) error {
	for {
		_, raw, err := r.ReadLine()
		if err != nil {
			return err
		}
		if forward != nil {
			if err := forward(raw); err != nil {
				return err
			}
		}
		_, blank, err := ParseHeaderLine(raw, m)
		if err != nil {
			return fmt.Errorf("header %q: %w", bytes.TrimRight(raw, "\r\n"), err)
		}
		if blank {
			return nil
		}
	}
}

// RelayBody copies one message body from r to dst, byte for byte.
func RelayBody(dst io.Writer, r *LineReader, m *MIME, f Framing) error {
	switch f {
	case FramingNone:
		return nil
	case FramingLength:
		return r.CopyN(dst, m.ContentLength)
	case FramingChunked:
		return relayChunked(dst, r)
	case FramingMultipart:
		return relayMultipart(dst, r, m.Sep)
	case FramingClose:
		_, err := r.CopyAll(dst)
		return err
	}
	return fmt.Errorf("unknown framing %d", f)
}

func relayChunked(dst io.Writer, r *LineReader) error {
	for {
		line, raw, err := r.ReadLine()
		if err != nil {
			return err
		}
		size, err := chunkSize(line)
		if err != nil {
			return err
		}
		if _, err := dst.Write(raw); err != nil {
			return err
		}

		if size == 0 {
			// trailers end with a blank line
			for {
				line, raw, err := r.ReadLine()
				if err != nil {
					return err
				}
				if _, err := dst.Write(raw); err != nil {
					return err
				}
				if len(line) == 0 {
					return nil
				}
			}
		}

		if err := r.CopyN(dst, size); err != nil {
			return err
		}
		line, raw, err = r.ReadLine()
		if err != nil {
			return err
		}
		if len(line) != 0 {
			return fmt.Errorf("missing CRLF after chunk data: %w", ErrMalformed)
		}
		if _, err := dst.Write(raw); err != nil {
			return err
		}
	}
}

func chunkSize(line []byte) (int64, error) {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = bytes.Trim(line, " \t")
	if len(line) == 0 {
		return 0, fmt.Errorf("empty chunk size: %w", ErrMalformed)
	}
	n, err := strconv.ParseInt(string(line), 16, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("chunk size %q: %w", line, ErrMalformed)
	}
	return n, nil
}

func relayMultipart(dst io.Writer, r *LineReader, sep []byte) error {
	closing := append(append([]byte{}, sep...), '-', '-')
	for {
		line, raw, err := r.ReadLine()
		if err != nil {
			return err
		}
		if _, err := dst.Write(raw); err != nil {
			return err
		}
		if bytes.Equal(bytes.TrimRight(line, " \t"), closing) {
			return nil
		}
	}
}
