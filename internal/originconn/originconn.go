// Package originconn resolves and dials the upstream origin server named by
// a request's Host header.
package originconn

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Dialer opens connections to origin servers. The zero value uses a plain
// net.Dialer; tests may substitute a Dialer with a shorter timeout.
type Dialer struct {
	// Resolver defaults to net.DefaultResolver.
	Resolver *net.Resolver
	// Timeout bounds both DNS resolution and the TCP connect; zero means
	// no deadline is applied beyond ctx's own.
	Timeout time.Duration
}

// Connect resolves host and dials (host, port), trying every resolved
// address in order and returning the first successful connection. Both
// address families are accepted, falling back across the full resolved
// set before reporting failure.
func (d Dialer) Connect(ctx context.Context, host string, port int) (net.Conn, error) {
	resolver := d.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	addrs, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("originconn: resolve %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("originconn: no addresses for %q", host)
	}

	dialer := net.Dialer{}
	portStr := strconv.Itoa(port)

	var lastErr error
	for _, addr := range addrs {
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, portStr))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("originconn: connect to %s:%d: %w", host, port, lastErr)
}
