package server

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/oklamaproxy/oklama/internal/blocklist"
	"github.com/oklamaproxy/oklama/internal/config"
)

// startOrigin spins up a bare TCP "origin" that reads a request head and
// replies with whatever handler returns for the requested path, then
// closes the connection (EOF signals end of response).
func startOrigin(t *testing.T, handler func(path string) string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 8192)
				total := 0
				for {
					n, err := c.Read(buf[total:])
					total += n
					if bytes.Contains(buf[:total], []byte("\r\n\r\n")) || err != nil {
						break
					}
				}
				line := strings.SplitN(string(buf[:total]), "\r\n", 2)[0]
				parts := strings.Fields(line)
				if len(parts) < 2 {
					return
				}
				c.Write([]byte(handler(parts[1])))
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func startProxy(t *testing.T, bl *blocklist.List) (addr string, srv *Server) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := config.Config{
		MaxTotalBytes: 1 << 20,
		MaxEntryBytes: 512 << 10,
		MaxClients:    50,
		MaxRequestLen: 4096,
	}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	s := New(cfg, bl, nil, log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go s.Serve(ctx, ln)
	t.Cleanup(func() { ln.Close() })

	return ln.Addr().String(), s
}

func sendRaw(t *testing.T, proxyAddr, request string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", proxyAddr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(request))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out bytes.Buffer
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			out.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return out.String()
}

// Scenario 1: cache miss then hit.
func TestCacheMissThenHit(t *testing.T) {
	originAddr := startOrigin(t, func(path string) string {
		return "HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nA"
	})
	proxyAddr, srv := startProxy(t, blocklist.New(nil))

	req := fmt.Sprintf("GET /a HTTP/1.1\r\nHost: %s\r\n\r\n", originAddr)

	resp1 := sendRaw(t, proxyAddr, req)
	require.Contains(t, resp1, "A")
	stats := srv.Cache().Stats()
	require.EqualValues(t, 1, stats.Misses)

	resp2 := sendRaw(t, proxyAddr, req)
	require.Contains(t, resp2, "A")
	stats = srv.Cache().Stats()
	require.EqualValues(t, 1, stats.Hits, "second identical request should be served from cache")
}

// Scenario 2: block list.
func TestBlockListRejectsRequest(t *testing.T) {
	bl := blocklist.New([]string{"www.blockedwebsite.com"})
	proxyAddr, srv := startProxy(t, bl)

	req := "GET /x HTTP/1.1\r\nHost: www.blockedwebsite.com\r\n\r\n"
	resp := sendRaw(t, proxyAddr, req)

	require.True(t, strings.HasPrefix(resp, "HTTP/1.1 403"))
	stats := srv.Metrics()
	require.NotNil(t, stats)
}

// Scenario 3: unsupported method — connection closed, no response body.
func TestUnsupportedMethodClosesWithoutBody(t *testing.T) {
	proxyAddr, _ := startProxy(t, blocklist.New(nil))

	req := "POST /x HTTP/1.1\r\nHost: h\r\n\r\n"
	resp := sendRaw(t, proxyAddr, req)

	require.Empty(t, resp)
}

// Scenario 4: bad version.
func TestBadVersionReturns500(t *testing.T) {
	proxyAddr, _ := startProxy(t, blocklist.New(nil))

	req := "GET /x HTTP/2.0\r\nHost: h\r\n\r\n"
	resp := sendRaw(t, proxyAddr, req)

	require.True(t, strings.HasPrefix(resp, "HTTP/1.1 500"))
}

// Scenario 5: oversize response is streamed in full but not cached.
func TestOversizeResponseNotCached(t *testing.T) {
	const bodySize = 600 << 10 // bigger than the 512 KiB MaxEntryBytes used in startProxy
	body := strings.Repeat("x", bodySize)

	originAddr := startOrigin(t, func(path string) string {
		return fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", bodySize, body)
	})
	proxyAddr, srv := startProxy(t, blocklist.New(nil))

	req := fmt.Sprintf("GET /big HTTP/1.1\r\nHost: %s\r\n\r\n", originAddr)
	resp := sendRaw(t, proxyAddr, req)

	require.Contains(t, resp, body)
	stats := srv.Cache().Stats()
	require.EqualValues(t, 1, stats.Rejections)

	host, port, _ := net.SplitHostPort(originAddr)
	_, hit := srv.Cache().Lookup(fmt.Sprintf("GET %s:%s/big", host, port))
	require.False(t, hit)
}

// readRequestHead must report a deadline expiring mid-read as a net.Error
// with Timeout() true, distinct from a full buffer or a closed connection,
// so callers can tell it apart from the silent-abandon cases.
func TestReadRequestHeadReportsDeadlineAsTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	server.SetDeadline(time.Now().Add(20 * time.Millisecond))

	done := make(chan struct{})
	go func() {
		client.Write([]byte("GET /a HTTP/1.1\r\nHost: h\r\n"))
		<-done
	}()
	defer close(done)

	_, err := readRequestHead(server, 4096)
	require.Error(t, err)

	netErr, ok := err.(net.Error)
	require.True(t, ok, "expected a net.Error, got %T: %v", err, err)
	require.True(t, netErr.Timeout())
}

// A client read deadline expiring mid-head-read gets a 504, not a silent
// close — matching the disposition for the forward-phase origin stream.
func TestReadDeadlineExpiryReturns504(t *testing.T) {
	previous := connDeadline
	connDeadline = 50 * time.Millisecond
	defer func() { connDeadline = previous }()

	proxyAddr, _ := startProxy(t, blocklist.New(nil))

	conn, err := net.DialTimeout("tcp", proxyAddr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	// Send a partial request head and never complete it, so the server's
	// read deadline fires before the CRLFCRLF terminator ever arrives.
	_, err = conn.Write([]byte("GET /a HTTP/1.1\r\nHost: h\r\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out bytes.Buffer
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			out.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}

	require.True(t, strings.HasPrefix(out.String(), "HTTP/1.1 504"), "got: %q", out.String())
}
