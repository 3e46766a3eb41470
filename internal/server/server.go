// Package server implements the connection-accept loop with bounded
// concurrency, and the per-connection read/parse/dispatch/forward/teardown
// state machine that handles each request.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/oklamaproxy/oklama/internal/blocklist"
	"github.com/oklamaproxy/oklama/internal/cache"
	"github.com/oklamaproxy/oklama/internal/config"
	"github.com/oklamaproxy/oklama/internal/httpreq"
	"github.com/oklamaproxy/oklama/internal/metrics"
	"github.com/oklamaproxy/oklama/internal/originconn"
	"github.com/oklamaproxy/oklama/internal/respond"
)

// connDeadline bounds every client and origin socket operation, so a stalled
// peer cannot stall a worker (and its semaphore permit) indefinitely. A var,
// not a const, so tests can shorten it instead of waiting out the real value.
var connDeadline = 30 * time.Second

// Server owns the proxy's process-singleton state. The listening socket is
// owned by the caller (Serve takes a net.Listener); the semaphore and Cache
// Store are created once here and shared across every worker through the
// Server's methods.
type Server struct {
	cfg       config.Config
	store     *cache.Store
	blocklist *blocklist.List
	sem       *semaphore.Weighted
	dialer    originconn.Dialer
	metrics   *metrics.Metrics
	log       *logrus.Logger
}

// New constructs a Server. A nil logger falls back to logrus's standard
// logger; a nil metrics.Metrics falls back to a fresh instance whose cache
// gauges poll this Server's own Cache Store.
func New(cfg config.Config, bl *blocklist.List, m *metrics.Metrics, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	store := cache.New(cfg.MaxTotalBytes, cfg.MaxEntryBytes)
	if m == nil {
		m = metrics.New(func() metrics.CacheStats {
			s := store.Stats()
			return metrics.CacheStats(s)
		})
	}
	return &Server{
		cfg:       cfg,
		store:     store,
		blocklist: bl,
		sem:       semaphore.NewWeighted(int64(cfg.MaxClients)),
		dialer:    originconn.Dialer{Timeout: connDeadline},
		metrics:   m,
		log:       log,
	}
}

// Cache exposes the underlying store for callers that want to inspect
// accounting directly (tests, an admin surface).
func (s *Server) Cache() *cache.Store { return s.store }

// Metrics exposes the collector bundle.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// Serve runs the accept loop against ln. Cancelling ctx closes ln and makes
// Serve return nil; any other accept failure, including the caller closing
// ln itself, is returned as an error. It never blocks on worker
// completion: every accepted connection is dispatched to its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn is the per-connection worker. It acquires one semaphore
// permit before doing any work and releases it on every exit path, so a
// permit is never held past the life of its connection.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		conn.Close()
		return
	}
	s.metrics.InFlightConnections.Inc()
	defer func() {
		s.sem.Release(1)
		s.metrics.InFlightConnections.Dec()
		conn.Close()
	}()

	conn.SetDeadline(time.Now().Add(connDeadline))

	raw, err := readRequestHead(conn, s.cfg.MaxRequestLen)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			respond.Error(conn, 504)
			s.metrics.RequestsFailed.Inc()
			return
		}
		// Abandoned: terminator never observed within capacity, or the
		// peer closed mid-request — no error body sent.
		return
	}
	if raw == nil {
		// Peer closed before sending anything.
		return
	}

	req, err := httpreq.Parse(raw)
	if err != nil {
		s.log.WithError(err).Debug("oklama: parse failure, closing without a response")
		return
	}
	defer req.Destroy()

	if req.Method != "GET" {
		s.log.WithField("method", req.Method).Debug("oklama: unsupported method, closing without a response")
		return
	}

	if req.Host == "" || req.Path == "" || !supportedVersion(req.Version) {
		respond.Error(conn, 500)
		s.metrics.RequestsFailed.Inc()
		return
	}

	if s.blocklist.Blocked(req.Host) {
		respond.Error(conn, 403)
		s.metrics.RequestsBlocked.Inc()
		return
	}

	port := 80
	if req.Port != "" {
		if p, err := strconv.Atoi(req.Port); err == nil {
			port = p
		}
	}
	key := cache.Key(req.Method, req.Host, strconv.Itoa(port), req.Path)

	if entry, hit := s.store.Lookup(key); hit {
		// Serve the cached bytes directly and return without forwarding.
		writeInChunks(conn, entry.Payload, s.cfg.MaxRequestLen)
		return
	}

	s.forward(ctx, conn, req, key, port)
}

func supportedVersion(v string) bool {
	return v == "HTTP/1.0" || v == "HTTP/1.1"
}

// forward rewrites headers, serializes the upstream request, dials the
// origin, streams its response back to the client while capturing it, then
// attempts a cache insertion.
func (s *Server) forward(ctx context.Context, client net.Conn, req *httpreq.Request, key string, port int) {
	req.Set("Connection", "close")
	if req.Get("Host") == "" {
		req.Set("Host", req.Host)
	}

	var upstream bytes.Buffer
	fmt.Fprintf(&upstream, "GET %s %s\r\n", req.Path, req.Version)
	upstream.Write(req.UnparseHeaders())
	upstream.WriteString("\r\n")

	origin, err := s.dialer.Connect(ctx, req.Host, port)
	if err != nil {
		s.log.WithError(err).WithField("host", req.Host).Warn("oklama: origin connect failed")
		respond.Error(client, 500)
		s.metrics.RequestsFailed.Inc()
		return
	}
	defer origin.Close()
	origin.SetDeadline(time.Now().Add(connDeadline))

	if _, err := origin.Write(upstream.Bytes()); err != nil {
		s.metrics.RequestsFailed.Inc()
		return
	}

	sent, capture, err := streamResponse(client, origin, s.cfg.MaxRequestLen)
	if err != nil {
		if sent == 0 {
			respond.Error(client, 504)
		}
		s.metrics.RequestsFailed.Inc()
		return // mid-stream fault: abort without caching
	}

	s.metrics.RequestsForwarded.Inc()
	s.insertCapture(key, capture)
}

// streamResponse copies bytes from origin to client maxBytes-1 at a time,
// returning the bytes forwarded so far on any error so the
// caller can tell whether a client-facing error response is still safe to
// send (nothing streamed yet) or not (a partial response is already on the
// wire).
func streamResponse(client, origin net.Conn, maxBytes int) (sent int, capture []byte, err error) {
	buf := make([]byte, maxBytes-1)
	var out bytes.Buffer

	for {
		n, rerr := origin.Read(buf)
		if n > 0 {
			if _, werr := client.Write(buf[:n]); werr != nil {
				return sent, out.Bytes(), werr
			}
			sent += n
			out.Write(buf[:n])
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return sent, out.Bytes(), nil
			}
			return sent, out.Bytes(), rerr
		}
	}
}

// insertCapture decodes capture if the origin declared a gzip/deflate
// Content-Encoding (read from the response headers, since that's what the
// encoding describes) and inserts the result into the Cache Store.
func (s *Server) insertCapture(key string, capture []byte) {
	payload := capture
	if enc, ok := httpreq.ExtractHeader(capture, "Content-Encoding"); ok {
		enc = strings.ToLower(enc)
		if enc == "gzip" || enc == "deflate" {
			decoded, err := cache.Decode(capture, enc)
			if err != nil {
				s.log.WithError(err).Warn("oklama: decode failed, skipping cache insert")
				return
			}
			payload = decoded
		}
	}
	s.store.Insert(key, payload)
}

// readRequestHead reads into a bounded buffer, repeatedly, until the
// terminator CRLF CRLF appears, the buffer reaches maxBytes, or the peer
// closes. A nil, nil return means the peer closed before sending anything.
// A non-nil error means the terminator was never observed within capacity
// or a read failed; callers can detect a deadline expiring mid-read by
// checking the returned error against net.Error's Timeout method, since
// that case is returned unwrapped.
func readRequestHead(conn net.Conn, maxBytes int) ([]byte, error) {
	buf := make([]byte, maxBytes)
	total := 0

	for {
		n, err := conn.Read(buf[total:])
		if n > 0 {
			total += n
			if bytes.Contains(buf[:total], []byte("\r\n\r\n")) {
				out := make([]byte, total)
				copy(out, buf[:total])
				return out, nil
			}
		}
		if total >= maxBytes {
			return nil, fmt.Errorf("server: request head exceeds %d bytes without a terminator", maxBytes)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if total == 0 {
					return nil, nil
				}
				return nil, fmt.Errorf("server: connection closed mid-request: %w", err)
			}
			return nil, err
		}
	}
}

// writeInChunks writes payload to conn in fixed-size chunks.
func writeInChunks(conn net.Conn, payload []byte, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = config.DefaultMaxRequestLen
	}
	for len(payload) > 0 {
		n := chunkSize
		if n > len(payload) {
			n = len(payload)
		}
		if _, err := conn.Write(payload[:n]); err != nil {
			return err
		}
		payload = payload[n:]
	}
	return nil
}
