/*
File: session.go
Version: 1.0.0
Description: One HTTP/1.1 request/response exchange. Each session runs on its own goroutine:
             resolve, connect, send request line, headers and body, then parse the response
             incrementally and hand body fragments to the caller as they are read.
*/

package webclient

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tevino/abool"

	"asyncnet/internal/logger"
)

// Terminal status codes reported for failures that happen before a response is read.
const (
	StatusFramingError  = 400
	StatusResolveFailed = 404
	StatusConnectFailed = 409
)

const (
	readBufferSize  = 16 * 1024
	writeBufferSize = 16 * 1024
	uploadBlockSize = 1 << 20
)

type State int32

const (
	StateIdle State = iota
	StateResolving
	StateConnecting
	StateSendingHeaders
	StateSendingBody
	StateReceivingHeaders
	StateReceivingBody
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateSendingHeaders:
		return "sending-headers"
	case StateSendingBody:
		return "sending-body"
	case StateReceivingHeaders:
		return "receiving-headers"
	case StateReceivingBody:
		return "receiving-body"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is passed to ResultFunc. Body aliases the session's read buffer and is only
// valid for the duration of the call; copy what must be kept.
type Result struct {
	Status int
	Body   []byte
	Header Header
	// Done is set on the single terminal call. Err explains an abnormal end.
	Done bool
	Err  error
}

type (
	ResultFunc func(res *Result)
	// RouteFunc is told the address a session is about to connect to.
	RouteFunc func(addr netip.Addr)
	// InputFunc produces request body data. more reports that further calls will follow.
	InputFunc func() (data []byte, more bool)
)

type Session struct {
	id     uint32
	client *Client
	opts   options

	method      string
	url         *target
	contentType string
	input       InputFunc
	file        *os.File
	fileSize    int64
	onResult    ResultFunc
	onRoute     RouteFunc

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled *abool.AtomicBool
	state     atomic.Int32

	connMu sync.Mutex
	conn   net.Conn

	// Serializes callbacks against cancellation.
	cbMu sync.Mutex

	// Response parsing state, owned by the session goroutine.
	line       []byte
	status     int
	statusSeen bool
	headers    *headerAccumulator
	headerDone bool
	bodyDone   bool
	chunked    *ChunkedDecoder
	remaining  int64
	bytesRead  int64
}

func (s *Session) ID() uint32 {
	return s.id
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// hop is the first network hop: the proxy when configured, else the origin.
func (s *Session) hop() *target {
	if s.opts.proxy != nil {
		return s.opts.proxy
	}
	return s.url
}

func (s *Session) run() {
	defer s.client.wg.Done()
	defer s.cancel()

	status, err := s.execute()
	s.finish(status, err)
}

func (s *Session) execute() (int, error) {
	hop := s.hop()

	// The timeout bounds resolve and connect together; after that it applies to each read and write.
	ctx, cancel := s.ctx, context.CancelFunc(func() {})
	if s.opts.timeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, s.opts.timeout)
	}
	defer cancel()

	s.setState(StateResolving)
	addr, err := s.client.resolve(ctx, hop.host)
	if err != nil {
		return StatusResolveFailed, err
	}
	s.route(addr)

	s.setState(StateConnecting)
	conn, err := s.connect(ctx, addr)
	if err != nil {
		return StatusConnectFailed, fmt.Errorf("connect %s: %w", hop.address(), err)
	}
	if !s.attach(conn) {
		conn.Close()
		return 0, context.Canceled
	}
	logger.Debug("[SESSION] #%d connected to %s via %s", s.id, s.url.hostHeader(), conn.RemoteAddr())

	if err := s.send(conn); err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}

	s.setState(StateReceivingHeaders)
	return s.receive(conn)
}

func (s *Session) attach(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.cancelled.IsSet() {
		return false
	}
	s.conn = conn
	return true
}

func (s *Session) detach() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// abort suppresses further callbacks and unblocks the session goroutine.
func (s *Session) abort() {
	s.cancelled.Set()
	s.cancel()
	s.detach()
}

func (s *Session) route(addr netip.Addr) {
	if s.onRoute == nil {
		return
	}
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	if !s.cancelled.IsSet() {
		s.onRoute(addr)
	}
}

func (s *Session) emit(res *Result) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	if !s.cancelled.IsSet() {
		s.onResult(res)
	}
}

func (s *Session) finish(status int, err error) {
	s.detach()
	if s.file != nil {
		s.file.Close()
	}
	if err != nil {
		s.setState(StateError)
	} else {
		s.setState(StateDone)
	}

	// A cancelled session has already been removed by Cancel or Close.
	if !s.client.forget(s.id) {
		return
	}

	sessionsCompleted(status).Inc()
	if err != nil {
		sessionsFailed.Inc()
		logger.Debug("[SESSION] #%d %s %s ended with status %d: %v", s.id, s.method, s.url.raw, status, err)
	} else {
		logger.Debug("[SESSION] #%d %s %s done: status %d, %d bytes", s.id, s.method, s.url.raw, status, s.bytesRead)
	}
	s.emit(&Result{Status: status, Header: s.headers.header, Done: true, Err: err})
}

// requestTarget is the absolute URL for plain requests through an HTTP proxy, else the path.
func (s *Session) requestTarget() string {
	if p := s.opts.proxy; p != nil && p.scheme == "http" && !s.url.tls {
		return s.url.scheme + "://" + s.url.hostHeader() + s.url.path
	}
	return s.url.path
}

// buildHead renders the request line and headers. length < 0 with a body selects chunked framing.
func (s *Session) buildHead(hasBody bool, length int64) string {
	var b strings.Builder
	b.WriteString(s.method + " " + s.requestTarget() + " " + s.opts.httpVersion + "\r\n")
	b.WriteString("Host: " + s.url.hostHeader() + "\r\n")
	if s.opts.userAgent != "" {
		b.WriteString("User-Agent: " + s.opts.userAgent + "\r\n")
	}
	if s.opts.wapProfile != "" {
		b.WriteString("x-wap-profile: " + s.opts.wapProfile + "\r\n")
	}
	b.WriteString("Accept: */*\r\n")
	if p := s.opts.proxy; p != nil && p.scheme == "http" && !s.url.tls {
		if auth := proxyAuthorization(p); auth != "" {
			b.WriteString("Proxy-Authorization: " + auth + "\r\n")
		}
	}
	if hasBody {
		if s.contentType != "" {
			b.WriteString("Content-Type: " + s.contentType + "\r\n")
		}
		if length < 0 {
			b.WriteString("Transfer-Encoding: chunked\r\n")
		} else {
			b.WriteString("Content-Length: " + strconv.FormatInt(length, 10) + "\r\n")
		}
	}
	if s.opts.connClose {
		b.WriteString("Connection: close\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}

func (s *Session) send(conn net.Conn) error {
	s.setState(StateSendingHeaders)
	w := bufio.NewWriterSize(&connWriter{conn: conn, timeout: s.opts.timeout}, writeBufferSize)

	var (
		data    []byte
		more    bool
		length  int64
		hasBody = s.input != nil || s.file != nil
	)
	switch {
	case s.file != nil:
		length = s.fileSize
	case s.input != nil:
		data, more = s.input()
		length = int64(len(data))
		if more {
			length = -1
		}
	}

	if _, err := w.WriteString(s.buildHead(hasBody, length)); err != nil {
		return err
	}
	if !hasBody {
		return w.Flush()
	}
	s.setState(StateSendingBody)

	switch {
	case s.file != nil:
		if err := w.Flush(); err != nil {
			return err
		}
		// io.CopyN into a *net.TCPConn from an *os.File uses sendfile. Copying in blocks
		// lets the write deadline move with progress.
		for left := s.fileSize; left > 0; {
			s.extendDeadline(conn)
			n, err := io.CopyN(conn, s.file, min(left, uploadBlockSize))
			bytesSent.Add(int(n))
			left -= n
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("upload %s: %w", s.file.Name(), io.ErrUnexpectedEOF)
			}
			if err != nil {
				return err
			}
		}
		return nil

	case more:
		var chunk []byte
		for {
			if len(data) > 0 {
				chunk = appendChunk(chunk[:0], data)
				if _, err := w.Write(chunk); err != nil {
					return err
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}
			if !more {
				break
			}
			if err := s.ctx.Err(); err != nil {
				return err
			}
			data, more = s.input()
		}
		if _, err := w.Write(appendChunk(chunk[:0], nil)); err != nil {
			return err
		}

	default:
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return w.Flush()
}

func (s *Session) receive(conn net.Conn) (int, error) {
	buf := make([]byte, readBufferSize)
	for !s.bodyDone {
		s.extendDeadline(conn)
		n, err := conn.Read(buf)
		if n > 0 {
			s.bytesRead += int64(n)
			bytesReceived.Add(n)
			if ferr := s.consume(buf[:n]); ferr != nil {
				return StatusFramingError, ferr
			}
		}
		if err != nil {
			if s.bodyDone {
				break
			}
			if errors.Is(err, io.EOF) {
				return s.status, s.eofError()
			}
			return s.status, err
		}
	}
	return s.status, nil
}

// eofError reports whether EOF cut the response short of its framing.
func (s *Session) eofError() error {
	switch {
	case !s.headerDone:
		return io.ErrUnexpectedEOF
	case s.chunked != nil:
		return fmt.Errorf("chunked body: %w", io.ErrUnexpectedEOF)
	case s.remaining > 0:
		return fmt.Errorf("body short by %d bytes: %w", s.remaining, io.ErrUnexpectedEOF)
	}
	return nil
}

// consume parses one read worth of response bytes.
func (s *Session) consume(data []byte) error {
	for len(data) > 0 && !s.bodyDone {
		if s.headerDone {
			return s.consumeBody(data)
		}

		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			s.line = append(s.line, data...)
			if len(s.line) > readBufferSize {
				return fmt.Errorf("%w: header line exceeds %d bytes", ErrFraming, readBufferSize)
			}
			return nil
		}
		s.line = append(s.line, data[:i]...)
		data = data[i+1:]

		line := strings.TrimSuffix(string(s.line), "\r")
		s.line = s.line[:0]
		if err := s.headerLine(line); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) headerLine(line string) error {
	if !s.statusSeen {
		code, err := parseStatusLine(line)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrFraming, err)
		}
		s.status = code
		s.statusSeen = true
		return nil
	}

	if line != "" {
		if !s.headers.addLine(line) {
			logger.Debug("[SESSION] #%d ignoring header line %q", s.id, line)
		}
		return nil
	}

	// Interim responses are followed by the real one.
	if s.status >= 100 && s.status < 200 {
		s.statusSeen = false
		s.headers = newHeaderAccumulator()
		return nil
	}
	return s.headersComplete()
}

func (s *Session) headersComplete() error {
	s.headerDone = true
	s.remaining = -1
	s.setState(StateReceivingBody)

	h := s.headers.header
	switch {
	case s.status == 204 || s.status == 304 || s.method == "HEAD":
		s.bodyDone = true
	case strings.Contains(strings.ToLower(h.Get("Transfer-Encoding")), "chunked"):
		s.chunked = &ChunkedDecoder{}
	default:
		cl := strings.TrimSpace(h.Get("Content-Length"))
		if cl == "" {
			break
		}
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: bad Content-Length %q", ErrFraming, cl)
		}
		s.remaining = n
		s.bodyDone = n == 0
	}
	return nil
}

func (s *Session) consumeBody(data []byte) error {
	if s.chunked != nil {
		done, err := s.chunked.Feed(data, s.deliverBody)
		if err != nil {
			return err
		}
		s.bodyDone = done
		return nil
	}

	if s.remaining >= 0 {
		data = data[:min(int64(len(data)), s.remaining)]
		s.remaining -= int64(len(data))
		s.bodyDone = s.remaining == 0
	}
	if len(data) > 0 {
		s.deliverBody(data)
	}
	return nil
}

func (s *Session) deliverBody(p []byte) {
	s.emit(&Result{Status: s.status, Body: p, Header: s.headers.header})
}

// extendDeadline gives the next read or write one full timeout.
func (s *Session) extendDeadline(conn net.Conn) {
	if s.opts.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.opts.timeout))
	}
}

// connWriter counts bytes sent and renews the write deadline before every write.
type connWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (c *connWriter) Write(p []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	n, err := c.conn.Write(p)
	bytesSent.Add(n)
	return n, err
}
