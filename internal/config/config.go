// Package config assembles the proxy's tunable bounds from the required CLI
// port argument plus optional environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/oklamaproxy/oklama/internal/cache"
)

// Defaults for the worker-count and request-size bounds.
const (
	DefaultMaxClients    = 400
	DefaultMaxRequestLen = 4096
)

// Config holds every tunable bound the proxy enforces plus the listen port.
type Config struct {
	Port int

	MaxTotalBytes int
	MaxEntryBytes int
	MaxClients    int
	MaxRequestLen int

	BlocklistFile string
}

// FromArgs parses the CLI contract "oklama-proxy <port>" — exactly one
// argument, otherwise the caller should exit non-zero — and layers
// environment overrides for the tunables on top. args excludes the program
// name, matching os.Args[1:].
func FromArgs(args []string) (Config, error) {
	if len(args) != 1 {
		return Config{}, fmt.Errorf("usage: oklama-proxy <port>")
	}

	port, err := strconv.Atoi(args[0])
	if err != nil {
		return Config{}, fmt.Errorf("invalid port %q: %w", args[0], err)
	}

	cfg := Config{
		Port:          port,
		MaxTotalBytes: cache.DefaultMaxTotal,
		MaxEntryBytes: cache.DefaultMaxEntry,
		MaxClients:    DefaultMaxClients,
		MaxRequestLen: DefaultMaxRequestLen,
	}

	overrideInt(&cfg.MaxTotalBytes, "OKLAMA_MAX_TOTAL_BYTES")
	overrideInt(&cfg.MaxEntryBytes, "OKLAMA_MAX_ENTRY_BYTES")
	overrideInt(&cfg.MaxClients, "OKLAMA_MAX_CLIENTS")
	overrideInt(&cfg.MaxRequestLen, "OKLAMA_MAX_REQUEST_BYTES")
	cfg.BlocklistFile = os.Getenv("OKLAMA_BLOCKLIST_FILE")

	return cfg, nil
}

func overrideInt(dst *int, envVar string) {
	v := os.Getenv(envVar)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*dst = n
	}
}
