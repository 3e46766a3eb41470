// Package httpreq parses and serializes HTTP/1.x request lines and headers
// through a create/parse/unparse/get/set/remove/destroy API. No header
// parsing library ships that exact shape, so it is built here on
// net/textproto's header primitives — the same primitive net/http itself is
// built on — rather than invented from nothing.
package httpreq

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strings"
)

// ErrMalformed is returned by Parse when the request line or headers cannot
// be read.
var ErrMalformed = errors.New("httpreq: malformed request")

// Request is a parsed HTTP/1.x request line plus headers. The zero value is
// not usable; construct with New or Parse.
type Request struct {
	Method  string
	Path    string
	Version string

	// Host and Port are split out of the Host header for convenience. Port
	// is empty when the Host header carries none.
	Host string
	Port string

	header textproto.MIMEHeader
	// order records each canonical header key the first time it is seen,
	// via Parse or Set. textproto.MIMEHeader is a bare map with no
	// iteration-order guarantee, so UnparseHeaders walks this slice rather
	// than ranging the map directly — otherwise the same Request could
	// serialize to different byte orders across calls.
	order []string
}

// New creates an empty parsed request (the "create" operation).
func New() *Request {
	return &Request{header: make(textproto.MIMEHeader)}
}

// Parse decodes raw, which must contain a complete request line and
// CRLF-CRLF-terminated header block. It does not require a body.
func Parse(raw []byte) (*Request, error) {
	reader := bufio.NewReader(bytes.NewReader(raw))
	tp := textproto.NewReader(reader)

	line, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("%w: reading request line: %v", ErrMalformed, err)
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: request line %q", ErrMalformed, line)
	}

	r := &Request{
		Method:  parts[0],
		Path:    parts[1],
		Version: parts[2],
		header:  make(textproto.MIMEHeader),
	}

	for {
		kv, err := tp.ReadContinuedLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%w: reading headers: %v", ErrMalformed, err)
		}
		if kv == "" {
			break
		}
		i := strings.IndexByte(kv, ':')
		if i < 0 {
			return nil, fmt.Errorf("%w: malformed header line %q", ErrMalformed, kv)
		}
		key := strings.TrimSpace(kv[:i])
		value := strings.TrimSpace(kv[i+1:])
		r.addHeader(key, value)
	}

	if host := r.header.Get("Host"); host != "" {
		r.Host, r.Port = splitHostPort(host)
	}

	return r, nil
}

// addHeader appends value under key's canonical form, recording key in
// order the first time it appears.
func (r *Request) addHeader(key, value string) {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	if _, seen := r.header[canonical]; !seen {
		r.order = append(r.order, canonical)
	}
	r.header.Add(canonical, value)
}

func splitHostPort(hostHeader string) (host, port string) {
	if idx := strings.LastIndex(hostHeader, ":"); idx >= 0 && !strings.Contains(hostHeader[idx:], "]") {
		return hostHeader[:idx], hostHeader[idx+1:]
	}
	return hostHeader, ""
}

// Get returns the first value for key, or "" if absent.
func (r *Request) Get(key string) string {
	return r.header.Get(key)
}

// Set replaces all values of key with value.
func (r *Request) Set(key, value string) {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	if _, seen := r.header[canonical]; !seen {
		r.order = append(r.order, canonical)
	}
	r.header.Set(canonical, value)
	if strings.EqualFold(key, "Host") {
		r.Host, r.Port = splitHostPort(value)
	}
}

// Remove deletes all values of key.
func (r *Request) Remove(key string) {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	r.header.Del(canonical)
	for i, k := range r.order {
		if k == canonical {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// UnparseHeaders serializes the remaining headers (everything set via New,
// Parse, Set and not removed) into CRLF-terminated "Key: value" lines, in
// the order each key was first seen. It does not include the trailing
// blank line that separates headers from a body; callers append that
// themselves.
func (r *Request) UnparseHeaders() []byte {
	var buf bytes.Buffer
	for _, key := range r.order {
		for _, v := range r.header[key] {
			buf.WriteString(key)
			buf.WriteString(": ")
			buf.WriteString(v)
			buf.WriteString("\r\n")
		}
	}
	return buf.Bytes()
}

// ExtractHeader reads a single header value out of a raw HTTP message —
// request or response, the shapes differ only in their first line — without
// fully parsing it. The request handler uses this to read Content-Encoding
// off a captured origin response, since the encoding describes the response
// body, not the request that produced it.
func ExtractHeader(raw []byte, name string) (string, bool) {
	reader := bufio.NewReader(bytes.NewReader(raw))
	tp := textproto.NewReader(reader)

	if _, err := tp.ReadLine(); err != nil {
		return "", false
	}
	header, err := tp.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return "", false
	}
	v := header.Get(name)
	return v, v != ""
}

// Destroy releases the parsed request's header storage. Go's garbage
// collector makes this unnecessary for memory safety, but the method is
// kept so callers get a symmetric create/destroy lifecycle.
func (r *Request) Destroy() {
	r.header = nil
	r.order = nil
}
