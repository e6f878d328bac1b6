package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/component-base/logs"
	logsapi "k8s.io/component-base/logs/api/v1"
	_ "k8s.io/component-base/logs/json/register"
	"k8s.io/klog/v2"

	"github.com/Konsole512/ZeroTierOne/pkg/api"
	"github.com/Konsole512/ZeroTierOne/pkg/cmd"
	"github.com/Konsole512/ZeroTierOne/pkg/config"
	"github.com/Konsole512/ZeroTierOne/pkg/db"
)

// This is a pattern to ensure that deferred functions executes before os.Exit
func main() {
	os.Exit(run())
}

func run() int {
	// Setup logging
	logCfg := logsapi.NewLoggingConfiguration()
	logsapi.AddGoFlags(logCfg, flag.CommandLine)

	// Setup flags
	opts := cmd.NewOptions()
	opts.AddFlags(flag.CommandLine)

	flag.Parse()

	// init logging
	logs.InitLogs()
	if err := logsapi.ValidateAndApply(logCfg, nil); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	// Create a context for structured logging, and catch termination signals
	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := klog.FromContext(ctx)
	logger.Info("called", "args", flag.Args())

	flag.VisitAll(func(flag *flag.Flag) {
		logger.Info("flag", "name", flag.Name, "value", flag.Value)
	})

	if _, _, err := net.SplitHostPort(opts.MetricsBindAddress); err != nil {
		logger.Error(err, "parsing metrics bind address", "address", opts.MetricsBindAddress)
		return 1
	}

	cfg := config.DefaultConfig()
	if opts.ConfigPath != "" {
		var err error
		cfg, err = config.Load(opts.ConfigPath)
		if err != nil {
			if opts.Path == "" && opts.Backend == "" {
				logger.Error(err, "loading configuration")
				return 1
			}
			klog.Warningf("Configuration %s is incomplete, continuing with command-line overrides: %v", opts.ConfigPath, err)
		}
	}
	if opts.Path != "" {
		cfg.Path = opts.Path
	}
	if opts.Backend != "" {
		cfg.Backend = opts.Backend
	}

	database, err := db.New(cfg, changeLogger{})
	if err != nil {
		logger.Error(err, "opening controller database")
		return 1
	}

	cmd.Start(ctx, database, opts.MetricsBindAddress)

	<-ctx.Done()
	logger.Info("Received termination signal, starting cleanup...")
	closed := make(chan error, 1)
	go func() { closed <- database.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			logger.Error(err, "closing controller database")
			return 1
		}
	case <-time.After(5 * time.Second): // grace period to cleanup resources
		logger.Info("Timed out waiting for the database to close")
		return 1
	}
	logger.Info("Cleanup completed, exiting...")
	return 0
}

// changeLogger stands in for the network controller and logs every change.
type changeLogger struct{}

func (changeLogger) NetworkChanged(old, new *api.Record) { logChange("network", old, new) }

func (changeLogger) MemberChanged(old, new *api.Record) { logChange("member", old, new) }

func logChange(kind string, old, new *api.Record) {
	switch {
	case new == nil:
		klog.V(2).InfoS("Record removed", "kind", kind, "id", old.ID, "network", old.NetworkID)
	case old == nil:
		klog.V(2).InfoS("Record added", "kind", kind, "id", new.ID, "network", new.NetworkID, "revision", new.Revision)
	default:
		klog.V(2).InfoS("Record changed", "kind", kind, "id", new.ID, "network", new.NetworkID, "revision", new.Revision)
	}
}
