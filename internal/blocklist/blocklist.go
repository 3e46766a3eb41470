// Package blocklist implements a static, load-once host denylist. It is
// immutable after construction and may be read from multiple goroutines
// without synchronization.
package blocklist

import (
	"bufio"
	"io"
	"strings"
)

// DefaultHost is the single built-in sample entry.
const DefaultHost = "www.blockedwebsite.com"

// List is an immutable set of hostnames, compared case-sensitively against
// a parsed request's Host field.
type List struct {
	hosts map[string]struct{}
}

// New builds a List from an explicit slice of hostnames.
func New(hosts []string) *List {
	l := &List{hosts: make(map[string]struct{}, len(hosts))}
	for _, h := range hosts {
		l.hosts[h] = struct{}{}
	}
	return l
}

// Default returns the built-in single-entry block list used when no
// external source is configured.
func Default() *List {
	return New([]string{DefaultHost})
}

// ReadFrom parses a newline-delimited list of hostnames, one per line,
// blank lines and lines starting with "#" ignored.
func ReadFrom(r io.Reader) (*List, error) {
	var hosts []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		hosts = append(hosts, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return New(hosts), nil
}

// Blocked reports whether host is on the list.
func (l *List) Blocked(host string) bool {
	_, blocked := l.hosts[host]
	return blocked
}
