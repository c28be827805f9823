package webclient

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asyncnet/resolver"
)

type collector struct {
	mu    sync.Mutex
	body  bytes.Buffer
	calls int
	final *Result
	done  chan struct{}
}

func newCollector() *collector {
	return &collector{done: make(chan struct{})}
}

func (c *collector) onResult(res *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if res.Done {
		r := *res
		c.final = &r
		close(c.done)
		return
	}
	c.body.Write(res.Body)
}

func (c *collector) wait(t *testing.T) *Result {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not complete")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.final
}

func (c *collector) bodyString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.body.String()
}

// rawServer accepts connections, reads the request head and lets respond write raw bytes.
func rawServer(t *testing.T, respond func(conn net.Conn, head string)) (string, chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	heads := make(chan string, 16)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				br := bufio.NewReader(conn)
				var head strings.Builder
				for {
					line, err := br.ReadString('\n')
					if err != nil {
						return
					}
					head.WriteString(line)
					if line == "\r\n" {
						break
					}
				}
				heads <- head.String()
				respond(conn, head.String())
			}()
		}
	}()
	return ln.Addr().String(), heads
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c := New(0, nil)
	c.SetTimeout(5 * time.Second)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGetRequestLineAndBody(t *testing.T) {
	addr, heads := rawServer(t, func(conn net.Conn, _ string) {
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nX-Multi: a\r\nX-Multi: b\r\n\r\nhelloIGNORED")
	})

	c := newTestClient(t)
	c.SetUserAgent("webget-test")

	col := newCollector()
	var routed netip.Addr
	_, err := c.Get("http://"+addr+"/path", col.onResult, func(a netip.Addr) { routed = a })
	require.NoError(t, err)

	res := col.wait(t)
	require.NoError(t, res.Err)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, "hello", col.bodyString())
	assert.Equal(t, "a; b", res.Header["X-Multi"])
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), routed)

	head := <-heads
	assert.True(t, strings.HasPrefix(head, "GET /path HTTP/1.1\r\n"), head)
	assert.Contains(t, head, "\r\nHost: "+addr+"\r\n")
	assert.Contains(t, head, "\r\nUser-Agent: webget-test\r\n")
}

func TestGetChunkedResponse(t *testing.T) {
	addr, _ := rawServer(t, func(conn net.Conn, _ string) {
		parts := []string{
			"HTTP/1.1 200 OK\r\nTransfer-",
			"Encoding: chunked\r\n\r\n4\r",
			"\nWiki\r\n5\r\npe",
			"dia\r\n0\r\n\r\n",
		}
		for _, p := range parts {
			io.WriteString(conn, p)
			time.Sleep(10 * time.Millisecond)
		}
		// Keep the connection open: completion must come from the framing.
		time.Sleep(time.Second)
	})

	c := newTestClient(t)
	col := newCollector()
	_, err := c.Get("http://"+addr+"/wiki", col.onResult, nil)
	require.NoError(t, err)

	start := time.Now()
	res := col.wait(t)
	require.NoError(t, res.Err)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, "Wikipedia", col.bodyString())
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestGetBodyUntilClose(t *testing.T) {
	addr, _ := rawServer(t, func(conn net.Conn, _ string) {
		io.WriteString(conn, "HTTP/1.0 100 Continue\r\n\r\nHTTP/1.0 200 OK\r\nServer: raw\r\n\r\nstreamed until close")
	})

	c := newTestClient(t)
	col := newCollector()
	_, err := c.Get("http://"+addr+"/", col.onResult, nil)
	require.NoError(t, err)

	res := col.wait(t)
	require.NoError(t, res.Err)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, "raw", res.Header.Get("server"))
	assert.Equal(t, "streamed until close", col.bodyString())
}

func TestFramingErrorReports400(t *testing.T) {
	addr, _ := rawServer(t, func(conn net.Conn, _ string) {
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nnot-hex\r\n")
		time.Sleep(time.Second)
	})

	c := newTestClient(t)
	col := newCollector()
	_, err := c.Get("http://"+addr+"/", col.onResult, nil)
	require.NoError(t, err)

	res := col.wait(t)
	assert.Equal(t, StatusFramingError, res.Status)
	assert.ErrorIs(t, res.Err, ErrFraming)
}

func TestEmptyResponseReportsZero(t *testing.T) {
	addr, _ := rawServer(t, func(net.Conn, string) {})

	c := newTestClient(t)
	col := newCollector()
	_, err := c.Get("http://"+addr+"/", col.onResult, nil)
	require.NoError(t, err)

	res := col.wait(t)
	assert.Equal(t, 0, res.Status)
	assert.ErrorIs(t, res.Err, io.ErrUnexpectedEOF)
	assert.Equal(t, 1, col.calls)
}

func TestConnectFailureReports409(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := newTestClient(t)
	col := newCollector()
	_, err = c.Get("http://"+addr+"/", col.onResult, nil)
	require.NoError(t, err)

	res := col.wait(t)
	assert.Equal(t, StatusConnectFailed, res.Status)
	assert.Error(t, res.Err)
}

func startDNS(t *testing.T, records map[string]string) int {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, NotifyStartedFunc: func() { close(started) }, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		q := req.Question[0]
		ip, ok := records[q.Name]
		switch {
		case !ok:
			m.SetRcode(req, dns.RcodeNameError)
		case q.Qtype == dns.TypeA:
			m.SetReply(req)
			rr, _ := dns.NewRR(q.Name + " 60 IN A " + ip)
			m.Answer = append(m.Answer, rr)
		default:
			m.SetReply(req)
		}
		_ = w.WriteMsg(m)
	})}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().(*net.UDPAddr).Port
}

func TestResolvedHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "host="+r.Host)
	}))
	defer srv.Close()
	_, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)

	r := resolver.New(0)
	defer r.Close()
	require.NoError(t, r.AddNameserver("127.0.0.1", startDNS(t, map[string]string{"web.test.": "127.0.0.1"}), 0))

	c := New(0, r)
	defer c.Close()

	col := newCollector()
	_, err = c.Get("http://web.test:"+port+"/", col.onResult, nil)
	require.NoError(t, err)
	res := col.wait(t)
	require.NoError(t, res.Err)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, "host=web.test:"+port, col.bodyString())

	col = newCollector()
	_, err = c.Get("http://missing.test/", col.onResult, func(netip.Addr) { t.Error("route callback for unresolved host") })
	require.NoError(t, err)
	res = col.wait(t)
	assert.Equal(t, StatusResolveFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrResolveFailed)
}

func TestPostContentLength(t *testing.T) {
	type seen struct {
		length int64
		ctype  string
	}
	got := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- seen{r.ContentLength, r.Header.Get("Content-Type")}
		body, _ := io.ReadAll(r.Body)
		w.Write(bytes.ToUpper(body))
	}))
	defer srv.Close()

	c := newTestClient(t)
	col := newCollector()
	_, err := c.Post(srv.URL+"/upper", "text/plain", func() ([]byte, bool) {
		return []byte("single shot"), false
	}, col.onResult)
	require.NoError(t, err)

	res := col.wait(t)
	require.NoError(t, res.Err)
	assert.Equal(t, "SINGLE SHOT", col.bodyString())
	req := <-got
	assert.Equal(t, int64(11), req.length)
	assert.Equal(t, "text/plain", req.ctype)
}

func TestPostChunked(t *testing.T) {
	gotTE := make(chan []string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTE <- r.TransferEncoding
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	}))
	defer srv.Close()

	pieces := []string{"hello ", "", "chunked ", "world"}
	next := 0
	input := func() ([]byte, bool) {
		p := pieces[next]
		next++
		return []byte(p), next < len(pieces)
	}

	c := newTestClient(t)
	col := newCollector()
	_, err := c.Post(srv.URL+"/echo", "application/octet-stream", input, col.onResult)
	require.NoError(t, err)

	res := col.wait(t)
	require.NoError(t, res.Err)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, "hello chunked world", col.bodyString())
	assert.Equal(t, []string{"chunked"}, <-gotTE)
	assert.Equal(t, len(pieces), next)
}

func TestPostFile(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789abcdef"), 8192)
	path := filepath.Join(t.TempDir(), "upload.bin")
	require.NoError(t, os.WriteFile(path, payload, 0o600))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ok := bytes.Equal(body, payload) && r.ContentLength == int64(len(payload))
		io.WriteString(w, strconv.FormatBool(ok))
	}))
	defer srv.Close()

	c := newTestClient(t)
	col := newCollector()
	_, err := c.PostFile(srv.URL+"/file", "application/octet-stream", path, col.onResult)
	require.NoError(t, err)

	res := col.wait(t)
	require.NoError(t, res.Err)
	assert.Equal(t, "true", col.bodyString())

	_, err = c.PostFile(srv.URL, "x/y", filepath.Join(t.TempDir(), "nope"), col.onResult)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestCancelSuppressesCallbacks(t *testing.T) {
	addr, heads := rawServer(t, func(conn net.Conn, _ string) {
		time.Sleep(2 * time.Second)
	})

	c := newTestClient(t)
	col := newCollector()
	id, err := c.Get("http://"+addr+"/slow", col.onResult, nil)
	require.NoError(t, err)

	<-heads
	s, ok := c.Session(id)
	require.True(t, ok)
	require.Eventually(t, func() bool { return s.State() == StateReceivingHeaders }, 2*time.Second, 10*time.Millisecond)

	assert.True(t, c.Cancel(id))
	assert.False(t, c.Cancel(id))

	select {
	case <-col.done:
		t.Fatal("cancelled session delivered a result")
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, 0, col.calls)
}

func TestHTTPProxyAbsoluteTarget(t *testing.T) {
	addr, heads := rawServer(t, func(conn net.Conn, _ string) {
		io.WriteString(conn, "HTTP/1.1 204 No Content\r\n\r\n")
		time.Sleep(time.Second)
	})

	c := newTestClient(t)
	require.NoError(t, c.SetProxy("http://"+addr))
	col := newCollector()
	_, err := c.Get("http://origin.invalid/index.html", col.onResult, nil)
	require.NoError(t, err)

	res := col.wait(t)
	require.NoError(t, res.Err)
	assert.Equal(t, 204, res.Status)
	head := <-heads
	assert.True(t, strings.HasPrefix(head, "GET http://origin.invalid/index.html HTTP/1.1\r\n"), head)
	assert.Contains(t, head, "Host: origin.invalid\r\n")
}

func TestHostRateLimit(t *testing.T) {
	addr, _ := rawServer(t, func(conn net.Conn, _ string) {
		io.WriteString(conn, "HTTP/1.1 204 No Content\r\n\r\n")
	})

	c := newTestClient(t)
	c.SetHostQPS(1)

	cols := make([]*collector, 0, 10)
	for i := 0; i < 10; i++ {
		col := newCollector()
		_, err := c.Get("http://"+addr+"/", col.onResult, nil)
		require.NoError(t, err)
		cols = append(cols, col)
	}
	_, err := c.Get("http://"+addr+"/", newCollector().onResult, nil)
	assert.ErrorIs(t, err, ErrRateLimited)

	for _, col := range cols {
		assert.Equal(t, 204, col.wait(t).Status)
	}
}

func TestClientSettings(t *testing.T) {
	c := newTestClient(t)

	assert.NoError(t, c.SetHTTPVersion("1.0"))
	assert.Equal(t, "HTTP/1.0", c.opts.httpVersion)
	assert.Error(t, c.SetHTTPVersion("2"))

	assert.NoError(t, c.SetBindAddress("127.0.0.1"))
	assert.Error(t, c.SetBindAddress("not-an-ip"))

	assert.NoError(t, c.SetProxy("socks5://127.0.0.1:1080"))
	assert.Error(t, c.SetProxy("https://127.0.0.1:8443"))
	assert.NoError(t, c.SetProxy(""))
	assert.Nil(t, c.opts.proxy)

	_, err := c.Get("socks5://127.0.0.1/", func(*Result) {}, nil)
	assert.ErrorIs(t, err, ErrInvalidURL)
	_, err = c.Get("http://127.0.0.1/", nil, nil)
	assert.Error(t, err)

	require.NoError(t, c.Close())
	_, err = c.Get("http://127.0.0.1/", func(*Result) {}, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "receiving-body", StateReceivingBody.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestTimeoutIsPerOperation(t *testing.T) {
	addr, _ := rawServer(t, func(conn net.Conn, _ string) {
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 6\r\n\r\n")
		for _, piece := range []string{"ab", "cd", "ef"} {
			time.Sleep(150 * time.Millisecond)
			io.WriteString(conn, piece)
		}
	})

	c := newTestClient(t)
	c.SetTimeout(300 * time.Millisecond)

	// The exchange takes longer than the timeout but no single read waits that long.
	col := newCollector()
	_, err := c.Get("http://"+addr+"/slow", col.onResult, nil)
	require.NoError(t, err)
	res := col.wait(t)
	require.NoError(t, res.Err)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, "abcdef", col.bodyString())
}

func TestTimeoutOnStalledRead(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	addr, _ := rawServer(t, func(conn net.Conn, _ string) {
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 6\r\n\r\nab")
		<-release
	})

	c := newTestClient(t)
	c.SetTimeout(200 * time.Millisecond)

	col := newCollector()
	_, err := c.Get("http://"+addr+"/stall", col.onResult, nil)
	require.NoError(t, err)
	res := col.wait(t)
	var ne net.Error
	require.True(t, errors.As(res.Err, &ne), "%v", res.Err)
	assert.True(t, ne.Timeout())
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, "ab", col.bodyString())
}
