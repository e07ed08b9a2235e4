package httpmsg

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"time"
)

// ErrLineTooLong is returned when a line does not fit in the chained
// segments of a LineReader.
var ErrLineTooLong = errors.New("httpmsg: line too long")

type deadlineReader interface {
	SetReadDeadline(t time.Time) error
}

// LineReader reads CRLF-terminated lines from a stream, reassembling lines
// split over several reads. Its buffer grows one segment at a time up to a
// fixed number of segments.
//
// In peek mode lines are returned without being consumed: Unconsumed keeps
// reporting them so the caller can still hand the untouched bytes to another
// handler. StopPeek switches to consume mode and consumes what was peeked
// exactly once.
type LineReader struct {
	rd      io.Reader
	timeout time.Duration

	segSize int
	maxSegs int
	buf     []byte

	start  int // first unconsumed byte
	cursor int // next unread byte
	end    int // end of buffered data
	peek   bool
}

// NewLineReader reads from rd. A positive timeout arms a read deadline
// before each read when rd supports deadlines.
func NewLineReader(rd io.Reader, segSize, maxSegs int, timeout time.Duration) *LineReader {
	if segSize <= 0 {
		segSize = 4096
	}
	if maxSegs <= 0 {
		maxSegs = 1
	}
	return &LineReader{
		rd:      rd,
		timeout: timeout,
		segSize: segSize,
		maxSegs: maxSegs,
		buf:     make([]byte, segSize),
	}
}

func (r *LineReader) SetPeek(on bool) {
	r.peek = on
	if !on {
		r.start = r.cursor
	}
}

// StopPeek leaves peek mode. Bytes already returned by ReadLine count as
// consumed; bytes buffered past them are kept for the next reads.
func (r *LineReader) StopPeek() { r.SetPeek(false) }

func (r *LineReader) Peeking() bool { return r.peek }

// Unconsumed returns the buffered bytes that were not consumed yet. In peek
// mode this includes every peeked line.
func (r *LineReader) Unconsumed() []byte { return r.buf[r.start:r.end] }

// Buffered returns the number of bytes read from the stream but not yet
// returned by the reader.
func (r *LineReader) Buffered() int { return r.end - r.cursor }

// Consume marks every buffered byte as consumed.
func (r *LineReader) Consume() {
	r.start, r.cursor, r.end = 0, 0, 0
}

// Fill reads once more from the stream into the buffer.
func (r *LineReader) Fill() error {
	return r.fill(r.timeout)
}

func (r *LineReader) fill(timeout time.Duration) error {
	if r.end == len(r.buf) {
		switch {
		case r.start > 0:
			copy(r.buf, r.buf[r.start:r.end])
			r.cursor -= r.start
			r.end -= r.start
			r.start = 0
		case len(r.buf) < r.segSize*r.maxSegs:
			nb := make([]byte, len(r.buf)+r.segSize)
			copy(nb, r.buf[:r.end])
			r.buf = nb
		default:
			return ErrLineTooLong
		}
	} else if r.start == r.end {
		r.start, r.cursor, r.end = 0, 0, 0
	}

	if dr, ok := r.rd.(deadlineReader); ok {
		if timeout > 0 {
			_ = dr.SetReadDeadline(time.Now().Add(timeout))
		} else {
			_ = dr.SetReadDeadline(time.Time{})
		}
	}
	for {
		n, err := r.rd.Read(r.buf[r.end:])
		r.end += n
		if n > 0 {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// ReadLine returns the next line without its terminator, and the raw bytes
// including it. Both alias the internal buffer and stay valid only until
// the next call. An empty line marks the end of a header section.
func (r *LineReader) ReadLine() (line, raw []byte, err error) {
	scanned := 0 // bytes past cursor already known to hold no '\n'
	for {
		if i := bytes.IndexByte(r.buf[r.cursor+scanned:r.end], '\n'); i >= 0 {
			stop := r.cursor + scanned + i + 1
			raw = r.buf[r.cursor:stop]
			line = raw[:len(raw)-1]
			if n := len(line); n > 0 && line[n-1] == '\r' {
				line = line[:n-1]
			}
			r.cursor = stop
			if !r.peek {
				r.start = r.cursor
			}
			return line, raw, nil
		}
		scanned = r.end - r.cursor
		if err := r.fill(r.timeout); err != nil {
			return nil, nil, err
		}
	}
}

// WaitData reports whether data can be read without blocking longer than
// wait. It returns false and no error when wait elapsed quietly.
func (r *LineReader) WaitData(wait time.Duration) (bool, error) {
	if r.end > r.cursor {
		return true, nil
	}
	if _, ok := r.rd.(deadlineReader); !ok {
		return true, nil
	}
	err := r.fill(wait)
	if err == nil {
		return true, nil
	}
	if isTimeout(err) {
		return false, nil
	}
	return false, err
}

// CopyN writes exactly n bytes of the stream to dst, starting with what is
// already buffered.
func (r *LineReader) CopyN(dst io.Writer, n int64) error {
	for n > 0 {
		if r.cursor == r.end {
			if err := r.fill(r.timeout); err != nil {
				if err == io.EOF {
					return io.ErrUnexpectedEOF
				}
				return err
			}
		}
		take := int64(r.end - r.cursor)
		if take > n {
			take = n
		}
		if _, err := dst.Write(r.buf[r.cursor : r.cursor+int(take)]); err != nil {
			return err
		}
		r.cursor += int(take)
		if !r.peek {
			r.start = r.cursor
		}
		n -= take
	}
	return nil
}

// CopyAll writes the rest of the stream to dst until EOF.
func (r *LineReader) CopyAll(dst io.Writer) (int64, error) {
	var written int64
	for {
		if r.cursor < r.end {
			nw, err := dst.Write(r.buf[r.cursor:r.end])
			written += int64(nw)
			if err != nil {
				return written, err
			}
			r.cursor = r.end
			if !r.peek {
				r.start = r.cursor
			}
		}
		if err := r.fill(r.timeout); err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
