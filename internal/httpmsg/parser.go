// Package httpmsg parses just enough HTTP/1.x to route and relay messages:
// request lines, status lines and the MIME fields that decide framing.
//
// Every parse function works on a byte window that may end anywhere. A
// window that stops in the middle of a token yields ErrIncomplete, which
// callers answer by reading more bytes and parsing the longer window again.
package httpmsg

import (
	"bytes"
	"errors"
	"strconv"
)

var (
	// ErrIncomplete means the window ended before the element did.
	ErrIncomplete = errors.New("httpmsg: incomplete message")
	// ErrMalformed means the bytes can never form a valid element.
	ErrMalformed = errors.New("httpmsg: malformed message")
)

type Method uint8

const (
	MethodNone Method = iota
	MethodGet
	MethodHead
	MethodPost
	MethodPut
)

func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodHead:
		return "HEAD"
	case MethodPost:
		return "POST"
	case MethodPut:
		return "PUT"
	default:
		return "NONE"
	}
}

type Version uint8

const (
	VersionUnknown Version = iota
	Version10
	Version11
)

func (v Version) String() string {
	switch v {
	case Version10:
		return "HTTP/1.0"
	case Version11:
		return "HTTP/1.1"
	default:
		return "HTTP/?"
	}
}

// MIME holds the header fields the relay cares about.
type MIME struct {
	ConnectionClose bool
	KeepAlive       bool
	ContentLength   int64 // -1 when absent
	Chunked         bool
	// Sep is the multipart/byteranges separator line ("--" + boundary).
	Sep []byte
}

func newMIME() MIME {
	return MIME{ContentLength: -1}
}

// Request is a parsed request line. URI aliases the parsed window.
type Request struct {
	Method  Method
	URI     []byte
	Version Version
	MIME    MIME
}

// Response is a parsed status line.
type Response struct {
	Version    Version
	StatusCode int
	MIME       MIME
}

var methodTokens = [...]struct {
	tok    string
	method Method
}{
	{"GET ", MethodGet},
	{"HEAD ", MethodHead},
	{"POST ", MethodPost},
	{"PUT ", MethodPut},
}

// ParseRequestLine parses "METHOD SP URI SP HTTP/1.x CRLF" at the start of
// b and returns the request and the number of bytes the line occupies.
// Matching is exact: no case folding and no extra whitespace.
func ParseRequestLine(b []byte) (Request, int, error) {
	req := Request{MIME: newMIME()}

	i, m, err := parseMethod(b)
	if err != nil {
		return req, 0, err
	}
	req.Method = m

	j := i
	for ; j < len(b); j++ {
		c := b[j]
		if c == ' ' {
			break
		}
		if c < 0x21 || c == 0x7f {
			return req, 0, ErrMalformed
		}
	}
	if j == len(b) {
		return req, 0, ErrIncomplete
	}
	if j == i {
		return req, 0, ErrMalformed
	}
	req.URI = b[i:j]
	j++

	v, k, err := parseVersion(b[j:])
	if err != nil {
		return req, 0, err
	}
	req.Version = v
	j += k

	if err := matchLiteral(b[j:], "\r\n"); err != nil {
		return req, 0, err
	}
	return req, j + 2, nil
}

func parseMethod(b []byte) (int, Method, error) {
	if len(b) == 0 {
		return 0, MethodNone, ErrIncomplete
	}
	incomplete := false
	for _, mt := range methodTokens {
		switch matchLiteral(b, mt.tok) {
		case nil:
			return len(mt.tok), mt.method, nil
		case ErrIncomplete:
			incomplete = true
		}
	}
	if incomplete {
		return 0, MethodNone, ErrIncomplete
	}
	return 0, MethodNone, ErrMalformed
}

// parseVersion accepts exactly "HTTP/1.0" or "HTTP/1.1".
func parseVersion(b []byte) (Version, int, error) {
	const prefix = "HTTP/1."
	if err := matchLiteral(b, prefix); err != nil {
		return VersionUnknown, 0, err
	}
	if len(b) == len(prefix) {
		return VersionUnknown, 0, ErrIncomplete
	}
	switch b[len(prefix)] {
	case '0':
		return Version10, len(prefix) + 1, nil
	case '1':
		return Version11, len(prefix) + 1, nil
	default:
		return VersionUnknown, 0, ErrMalformed
	}
}

// matchLiteral reports nil if b starts with lit, ErrIncomplete if b is a
// proper prefix of lit and ErrMalformed otherwise.
func matchLiteral(b []byte, lit string) error {
	n := len(lit)
	if len(b) < n {
		n = len(b)
	}
	if string(b[:n]) != lit[:n] {
		return ErrMalformed
	}
	if n < len(lit) {
		return ErrIncomplete
	}
	return nil
}

// lineEnd returns the length of the CRLF-terminated line at the start of b,
// terminator included.
func lineEnd(b []byte) (int, error) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return 0, ErrIncomplete
	}
	if i == 0 || b[i-1] != '\r' {
		return 0, ErrMalformed
	}
	return i + 1, nil
}

// ParseStatusLine parses "HTTP/1.x SP 3DIGIT [SP reason] CRLF".
func ParseStatusLine(b []byte) (Response, int, error) {
	resp := Response{MIME: newMIME()}

	v, i, err := parseVersion(b)
	if err != nil {
		return resp, 0, err
	}
	resp.Version = v

	if err := matchLiteral(b[i:], " "); err != nil {
		return resp, 0, err
	}
	i++

	code := 0
	for k := 0; k < 3; k++ {
		if i+k >= len(b) {
			return resp, 0, ErrIncomplete
		}
		c := b[i+k]
		if c < '0' || c > '9' {
			return resp, 0, ErrMalformed
		}
		code = code*10 + int(c-'0')
	}
	if code < 100 {
		return resp, 0, ErrMalformed
	}
	resp.StatusCode = code
	i += 3

	if i == len(b) {
		return resp, 0, ErrIncomplete
	}
	if b[i] != ' ' && b[i] != '\r' {
		return resp, 0, ErrMalformed
	}
	n, err := lineEnd(b[i:])
	if err != nil {
		return resp, 0, err
	}
	return resp, i + n, nil
}

// ParseHeaderLine parses one MIME header line at the start of b into m.
// blank reports the empty line that ends a header section.
func ParseHeaderLine(b []byte, m *MIME) (n int, blank bool, err error) {
	n, err = lineEnd(b)
	if err != nil {
		return 0, false, err
	}
	line := b[:n-2]
	if len(line) == 0 {
		return n, true, nil
	}
	if line[0] == ' ' || line[0] == '\t' {
		// obsolete line folding, nothing we route on
		return n, false, nil
	}

	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return 0, false, ErrMalformed
	}
	name := line[:colon]
	if bytes.ContainsAny(name, " \t") {
		return 0, false, ErrMalformed
	}
	value := bytes.Trim(line[colon+1:], " \t")

	switch {
	case bytes.EqualFold(name, []byte("Connection")):
		for _, tok := range splitList(value) {
			if bytes.EqualFold(tok, []byte("close")) {
				m.ConnectionClose = true
			} else if bytes.EqualFold(tok, []byte("keep-alive")) {
				m.KeepAlive = true
			}
		}
	case bytes.EqualFold(name, []byte("Content-Length")):
		cl, perr := strconv.ParseInt(string(value), 10, 64)
		if perr != nil || cl < 0 {
			return 0, false, ErrMalformed
		}
		if m.ContentLength >= 0 && m.ContentLength != cl {
			return 0, false, ErrMalformed
		}
		m.ContentLength = cl
	case bytes.EqualFold(name, []byte("Transfer-Encoding")):
		toks := splitList(value)
		if len(toks) > 0 && bytes.EqualFold(toks[len(toks)-1], []byte("chunked")) {
			m.Chunked = true
		}
	case bytes.EqualFold(name, []byte("Content-Type")):
		if sep := byteRangesSep(value); sep != nil {
			m.Sep = sep
		}
	}
	return n, false, nil
}

// ParseMIME parses a whole header section, blank line included.
func ParseMIME(b []byte) (MIME, int, error) {
	m := newMIME()
	off := 0
	for {
		n, blank, err := ParseHeaderLine(b[off:], &m)
		if err != nil {
			return m, 0, err
		}
		off += n
		if blank {
			return m, off, nil
		}
	}
}

func splitList(v []byte) [][]byte {
	var out [][]byte
	for _, part := range bytes.Split(v, []byte(",")) {
		part = bytes.Trim(part, " \t")
		if len(part) > 0 {
			out = append(out, part)
		}
	}
	return out
}

// byteRangesSep extracts "--boundary" from a multipart/byteranges type.
func byteRangesSep(v []byte) []byte {
	params := bytes.Split(v, []byte(";"))
	if !bytes.EqualFold(bytes.Trim(params[0], " \t"), []byte("multipart/byteranges")) {
		return nil
	}
	for _, p := range params[1:] {
		p = bytes.Trim(p, " \t")
		eq := bytes.IndexByte(p, '=')
		if eq < 0 || !bytes.EqualFold(bytes.TrimSpace(p[:eq]), []byte("boundary")) {
			continue
		}
		boundary := bytes.Trim(bytes.TrimSpace(p[eq+1:]), `"`)
		if len(boundary) == 0 {
			return nil
		}
		return append([]byte("--"), boundary...)
	}
	return nil
}

// BodyAllowed reports whether a response to method with the given status
// may carry a body.
func BodyAllowed(method Method, status int) bool {
	if method == MethodHead {
		return false
	}
	return status >= 200 && status != 204 && status != 304
}
