// Command goose-bridge runs the dual-path GOOSE multicast bridge.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/comdaze/goose-bridge-on-ec2/internal/bridge"
	"github.com/comdaze/goose-bridge-on-ec2/internal/bridgeconfig"
)

type options struct {
	Config string `short:"c" long:"config" description:"path to the bridge config file"`
	Debug  bool   `long:"debug" description:"enable debug logging"`
}

func main() {
	os.Exit(run())
}

func run() int {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		return 1
	}

	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	if opts.Debug {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(log).WithField("component", "bridge")

	cfg := bridgeconfig.Defaults()
	if opts.Config != "" {
		loaded, err := bridgeconfig.Load(opts.Config)
		if err != nil {
			entry.WithError(err).Error("failed to load config, falling back to defaults")
		} else {
			cfg = loaded
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reloadLogLevel(log, entry)

	b := bridge.New(cfg, "/var/lib/goose-bridge/dual-path-stats.json", entry)
	if err := b.Start(ctx); err != nil {
		entry.WithError(err).Error("bridge startup failed")
		return 1
	}

	b.Run(ctx)
	return 0
}

// reloadLogLevel wires SIGHUP to a log-level toggle: each SIGHUP switches
// logging between debug and info. The config file is not re-read, and the
// bridge topology is left unchanged.
func reloadLogLevel(log *logrus.Logger, entry *logrus.Entry) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if log.GetLevel() == logrus.DebugLevel {
				log.SetLevel(logrus.InfoLevel)
			} else {
				log.SetLevel(logrus.DebugLevel)
			}
			entry.WithField("level", log.GetLevel()).Info("log level reloaded via SIGHUP")
		}
	}()
}
