// Command chain-proxy-fleet runs the layer-7 reverse proxy fleet: one
// process, multiple chain/common listeners, a unify demultiplexer, and a
// Prometheus endpoint - all driven by a single YAML config file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/chalabi2/chain-proxy-fleet/internal/proxyfleet"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var (
	configPath = pflag.StringP("config", "c", "config.yaml", "path to the YAML config file")
	upgrade    = pflag.Bool("upgrade", false, "send SIGHUP to a running instance to trigger a graceful re-exec")
	debug      = pflag.Bool("debug", false, "enable development-mode logging")
)

func main() {
	pflag.Parse()

	if *upgrade {
		if err := triggerUpgrade(); err != nil {
			fmt.Fprintln(os.Stderr, "upgrade failed:", err)
			os.Exit(1)
		}
		return
	}

	logger, err := proxyfleet.NewLogger(*debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "building logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := proxyfleet.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("loading config", zap.Error(err))
	}

	fleet, err := proxyfleet.BuildFleet(cfg, logger)
	if err != nil {
		logger.Fatal("building fleet", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				logger.Info("received SIGHUP, re-executing after drain")
				if err := fleet.Shutdown(); err != nil {
					logger.Error("drain before re-exec failed", zap.Error(err))
				}
				if err := reexec(); err != nil {
					logger.Error("re-exec failed", zap.Error(err))
				}
				return
			}
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			cancel()
			return
		}
	}()

	if err := fleet.Run(ctx); err != nil {
		logger.Fatal("fleet exited", zap.Error(err))
	}
}

// triggerUpgrade sends SIGHUP to the running instance named in the
// CHAIN_PROXY_FLEET_PID environment variable, a best-effort hot-upgrade
// trigger for the --upgrade CLI flag.
func triggerUpgrade() error {
	pidStr := os.Getenv("CHAIN_PROXY_FLEET_PID")
	if pidStr == "" {
		return fmt.Errorf("CHAIN_PROXY_FLEET_PID not set; cannot locate running instance")
	}
	cmd := exec.Command("kill", "-HUP", pidStr)
	return cmd.Run()
}

// reexec replaces the current process image with a fresh copy of the same
// binary and argv. It runs after Fleet.Shutdown has drained in-flight
// connections and closed the listeners, so the ports are not served between
// the drain and the new process binding them again.
func reexec() error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	env := os.Environ()
	return syscall.Exec(self, os.Args, env)
}
