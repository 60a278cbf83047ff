// Command ftpserverd is a minimal demonstration of github.com/corewind/ftpserver: it wires
// a JSON-file authenticator and the local-disk storage backend together, reading its
// settings from a TOML file. The core library defines no CLI surface of its own; this
// binary exists so the storage, auth, logging, and metrics collaborators can be run end to
// end out of the box.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	ftpserver "github.com/corewind/ftpserver"
	ftpmetrics "github.com/corewind/ftpserver/eventsink/prometheus"
	"github.com/corewind/ftpserver/log/gokit"
)

func main() {
	configPath := flag.String("config", "ftpserverd.toml", "path to the TOML configuration file")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090)")
	flag.Parse()

	if err := run(*configPath, *metricsAddr); err != nil {
		fmt.Fprintln(os.Stderr, "ftpserverd:", err)
		os.Exit(1)
	}
}

func run(configPath, metricsAddr string) error {
	logger := gokit.NewGKLoggerStdout()

	settings, cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	users, err := loadJSONUserStore(cfg.UsersFile)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()

	sink, err := ftpmetrics.NewSink(registry)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	settings.EventSink = sink

	if metricsAddr != "" {
		serveMetrics(logger, registry, metricsAddr)
	}

	driver := newDemoDriver(logger, settings, users, cfg)

	server := ftpserver.NewFtpServer(driver)
	server.Logger = logger

	logger.Info("starting ftpserverd", "configPath", configPath)

	return server.ListenAndServe()
}
