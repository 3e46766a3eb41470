package cache

import "strconv"

// Key computes the cache fingerprint for a parsed request. Keying on the raw
// client request bytes would conflate headers like User-Agent and
// Accept-Language into the key and cause near-miss traffic to bypass the
// cache, so this keys on the normalized (method, host, port, path) tuple
// instead.
func Key(method, host, port, path string) string {
	if port == "" {
		port = "80"
	}
	return method + " " + host + ":" + port + path
}

// KeyFromPort is a convenience wrapper for callers holding the port as an int.
func KeyFromPort(method, host string, port int, path string) string {
	return Key(method, host, strconv.Itoa(port), path)
}
