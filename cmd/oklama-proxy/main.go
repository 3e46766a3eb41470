// Command oklama-proxy is the process entrypoint: oklama-proxy <port>.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sirupsen/logrus"

	"github.com/oklamaproxy/oklama/internal/blocklist"
	"github.com/oklamaproxy/oklama/internal/config"
	"github.com/oklamaproxy/oklama/internal/server"
)

func main() {
	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := run(log); err != nil {
		log.WithError(err).Error("oklama-proxy: exiting")
		os.Exit(1)
	}
}

func run(log *logrus.Logger) error {
	cfg, err := config.FromArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	bl, err := loadBlocklist(cfg)
	if err != nil {
		return fmt.Errorf("oklama-proxy: loading block list: %w", err)
	}

	lc := net.ListenConfig{Control: reuseAddr}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("oklama-proxy: listen on port %d: %w", cfg.Port, err)
	}

	srv := server.New(cfg, bl, nil, log)

	log.WithFields(logrus.Fields{
		"port":            cfg.Port,
		"max_clients":     cfg.MaxClients,
		"max_total_bytes": cfg.MaxTotalBytes,
		"max_entry_bytes": cfg.MaxEntryBytes,
	}).Info("oklama-proxy: listening")

	err = srv.Serve(ctx, ln)
	log.Info("oklama-proxy: shut down")
	return err
}

func loadBlocklist(cfg config.Config) (*blocklist.List, error) {
	if cfg.BlocklistFile == "" {
		return blocklist.Default(), nil
	}
	f, err := os.Open(cfg.BlocklistFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return blocklist.ReadFrom(f)
}

// reuseAddr sets SO_REUSEADDR on the listening socket so a restarted process
// can rebind the port immediately instead of waiting out TIME_WAIT.
func reuseAddr(_, _ string, c syscall.RawConn) error {
	var setErr error
	if err := c.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return setErr
}
