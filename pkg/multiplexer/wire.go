package multiplexer

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/WhileEndless/go-rawfetch/pkg/constants"
	"github.com/WhileEndless/go-rawfetch/pkg/dns"
	"github.com/WhileEndless/go-rawfetch/pkg/errors"
	"github.com/WhileEndless/go-rawfetch/pkg/transport"
)

// idleConn applies the idle timeout to every read and write.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	n, err := c.Conn.Read(p)
	return n, c.wrap("read", err)
}

func (c *idleConn) Write(p []byte) (int, error) {
	if c.timeout > 0 {
		c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	n, err := c.Conn.Write(p)
	return n, c.wrap("write", err)
}

func (c *idleConn) wrap(op string, err error) error {
	if err == nil || err == io.EOF {
		return err
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return errors.NewTimeoutError("idle "+op, c.timeout)
	}
	return err
}

// requestTarget returns the absolute-form target for plain proxying and
// the origin-form otherwise.
func requestTarget(cfg *transport.Config) string {
	if cfg.FullURI {
		u := *cfg.Target
		u.Fragment = ""
		u.User = nil
		u.Host = dns.HostHeader(&u)
		return u.String()
	}
	return cfg.Target.RequestURI()
}

// writeRequest serializes the request head and body. Host goes first,
// remaining headers in sorted order.
func writeRequest(w io.Writer, cfg *transport.Config) error {
	bw := bufio.NewWriterSize(w, constants.ChunkSize)

	version := cfg.HTTPVersion
	if version == "" {
		version = constants.DefaultHTTPVersion
	}
	fmt.Fprintf(bw, "%s %s HTTP/%s\r\n", cfg.Method, requestTarget(cfg), version)

	host := cfg.Header.Get("Host")
	if host == "" {
		host = cfg.Target.Host
	}
	fmt.Fprintf(bw, "Host: %s\r\n", host)

	keys := make([]string, 0, len(cfg.Header))
	for k := range cfg.Header {
		if k == "Host" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range cfg.Header[k] {
			fmt.Fprintf(bw, "%s: %s\r\n", k, v)
		}
	}
	if cfg.Header.Get("Connection") == "" {
		bw.WriteString("Connection: close\r\n")
	}
	if len(cfg.Body) > 0 && cfg.Header.Get("Content-Length") == "" && cfg.Header.Get("Transfer-Encoding") == "" {
		fmt.Fprintf(bw, "Content-Length: %d\r\n", len(cfg.Body))
	}
	bw.WriteString("\r\n")

	if len(cfg.Body) > 0 {
		bw.Write(cfg.Body)
	}
	if err := bw.Flush(); err != nil {
		return errors.NewIOError("writing request", err)
	}
	return nil
}

// head is a parsed status line and header block.
type head struct {
	proto  string
	status int
	lines  []string
	header http.Header
}

// readHead reads the next final (non 1xx) response head.
func readHead(r *bufio.Reader) (*head, error) {
	for {
		h, err := readOneHead(r)
		if err != nil {
			return nil, err
		}
		if h.status >= 200 || h.status == http.StatusSwitchingProtocols {
			return h, nil
		}
	}
}

func readOneHead(r *bufio.Reader) (*head, error) {
	statusLine, err := readLine(r, constants.MaxHeaderBytes)
	if err != nil {
		return nil, protocolError("reading status line", err)
	}
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return nil, errors.NewProtocolError(fmt.Sprintf("invalid status line %q", statusLine), nil)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 999 {
		return nil, errors.NewProtocolError(fmt.Sprintf("invalid status code in %q", statusLine), err)
	}

	h := &head{proto: parts[0], status: code, lines: []string{statusLine}, header: make(http.Header)}
	total := len(statusLine)
	var lastKey string
	for {
		line, err := readLine(r, constants.MaxHeaderBytes-total)
		if err != nil {
			return nil, protocolError("reading headers", err)
		}
		total += len(line) + 2
		if total > constants.MaxHeaderBytes {
			return nil, errors.NewProtocolError("headers exceed maximum size", nil)
		}
		if line == "" {
			return h, nil
		}

		// obsolete line folding
		if line[0] == ' ' || line[0] == '\t' {
			if lastKey != "" {
				vals := h.header[lastKey]
				vals[len(vals)-1] += " " + strings.TrimSpace(line)
				h.lines[len(h.lines)-1] += " " + strings.TrimSpace(line)
			}
			continue
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))
		h.header[key] = append(h.header[key], strings.TrimSpace(value))
		h.lines = append(h.lines, line)
		lastKey = key
	}
}

// readLine reads one line of at most limit bytes, terminator included,
// and strips the line ending. Nothing beyond limit is buffered.
func readLine(r *bufio.Reader, limit int) (string, error) {
	var line []byte
	for {
		frag, err := r.ReadSlice('\n')
		if len(line)+len(frag) > limit {
			return "", errors.NewProtocolError(fmt.Sprintf("line exceeds %d bytes", max(limit, 0)), nil)
		}
		line = append(line, frag...)
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(line), "\r\n"), nil
	}
}

// protocolError wraps err unless it already is a classified error.
func protocolError(msg string, err error) error {
	if _, ok := err.(*errors.Error); ok {
		return err
	}
	return errors.NewProtocolError(msg, err)
}

// bodyReader frames the response body per RFC 9112 section 6.3. total is
// the announced length, or -1 when unknown.
func bodyReader(r *bufio.Reader, method string, h *head) (body io.Reader, total int64, err error) {
	if method == http.MethodHead || h.status == http.StatusNoContent ||
		h.status == http.StatusNotModified || h.status < 200 {
		return http.NoBody, 0, nil
	}

	if te := h.header.Get("Transfer-Encoding"); strings.Contains(strings.ToLower(te), "chunked") {
		return &chunkedReader{r: r, trailer: h.header}, -1, nil
	}

	if cl := h.header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			return nil, 0, errors.NewProtocolError(fmt.Sprintf("invalid content-length %q", cl), err)
		}
		if n > constants.MaxContentLength {
			return nil, 0, errors.NewProtocolError("content-length too large", nil)
		}
		return &fixedReader{r: r, remaining: n}, n, nil
	}

	return r, -1, nil
}

// decodeBody wraps body with a gzip reader when the server compressed it
// and decoding was requested.
func decodeBody(body io.Reader, h *head, decodeGzip bool) (io.Reader, error) {
	if !decodeGzip || !strings.EqualFold(strings.TrimSpace(h.header.Get("Content-Encoding")), "gzip") {
		return body, nil
	}
	zr, err := gzip.NewReader(body)
	if err == io.EOF {
		return http.NoBody, nil
	}
	if err != nil {
		return nil, errors.NewProtocolError("invalid gzip body", err)
	}
	return zr, nil
}

// fixedReader reads a Content-Length delimited body and reports a short
// body as an unexpected EOF.
type fixedReader struct {
	r         io.Reader
	remaining int64
}

func (f *fixedReader) Read(p []byte) (int, error) {
	if f.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > f.remaining {
		p = p[:f.remaining]
	}
	n, err := f.r.Read(p)
	f.remaining -= int64(n)
	if err == io.EOF && f.remaining > 0 {
		return n, io.ErrUnexpectedEOF
	}
	if f.remaining == 0 && err == nil {
		err = io.EOF
	}
	return n, err
}

// chunkedReader decodes a chunked body and appends trailers to trailer.
type chunkedReader struct {
	r       *bufio.Reader
	trailer http.Header
	left    int64
	done    bool
	// trailerBytes counts trailer lines against the header size limit.
	trailerBytes int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.done {
		return 0, io.EOF
	}
	if c.left == 0 {
		line, err := readLine(c.r, constants.MaxHeaderBytes)
		if err != nil {
			return 0, protocolError("reading chunk size", err)
		}
		sizeStr, _, _ := strings.Cut(line, ";")
		size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
		if err != nil || size < 0 {
			return 0, errors.NewProtocolError(fmt.Sprintf("invalid chunk size %q", line), err)
		}
		if size == 0 {
			c.done = true
			return 0, c.readTrailer()
		}
		c.left = size
	}

	if int64(len(p)) > c.left {
		p = p[:c.left]
	}
	n, err := c.r.Read(p)
	c.left -= int64(n)
	if err == io.EOF {
		return n, io.ErrUnexpectedEOF
	}
	if err != nil {
		return n, err
	}
	if c.left == 0 {
		var crlf [2]byte
		if _, err := io.ReadFull(c.r, crlf[:]); err != nil {
			return n, errors.NewProtocolError("reading chunk terminator", err)
		}
		if crlf != [2]byte{'\r', '\n'} {
			return n, errors.NewProtocolError(fmt.Sprintf("invalid chunk terminator %q", crlf[:]), nil)
		}
	}
	return n, nil
}

func (c *chunkedReader) readTrailer() error {
	for {
		line, err := readLine(c.r, constants.MaxHeaderBytes-c.trailerBytes)
		if err != nil {
			return protocolError("reading chunk trailer", err)
		}
		c.trailerBytes += len(line) + 2
		if line == "" {
			return io.EOF
		}
		if name, value, ok := strings.Cut(line, ":"); ok {
			key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))
			c.trailer[key] = append(c.trailer[key], strings.TrimSpace(value))
		}
	}
}

// countingReader counts bytes taken off the wire.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
