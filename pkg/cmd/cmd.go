package cmd

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/klog/v2"

	"github.com/Konsole512/ZeroTierOne/pkg/api"
)

// Options contains the common command-line options.
type Options struct {
	ConfigPath         string
	MetricsBindAddress string
	// Path and Backend override the values of the configuration file.
	Path    string
	Backend string
}

// NewOptions creates a new Options object with default values.
func NewOptions() *Options {
	return &Options{}
}

// AddFlags adds the common flags to the provided flag set.
func (o *Options) AddFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.ConfigPath, "config", "", "absolute path to the controller database configuration file")
	fs.StringVar(&o.MetricsBindAddress, "metrics-bind-address", ":9080", "The IP address and port for the metrics server to serve on")
	fs.StringVar(&o.Path, "path", "", "If non-empty, overrides the root directory of the file backend")
	fs.StringVar(&o.Backend, "backend", "", "If non-empty, overrides the backend (file or lf)")

	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: controller-db [options]\n\n")
		fs.PrintDefaults()
	}
}

// Start serves the metrics endpoint and logs the readiness of db.
func Start(ctx context.Context, db api.DB, metricsBindAddress string) {
	logger := klog.FromContext(ctx)

	printVersion()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !db.IsReady() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	go func() {
		err := http.ListenAndServe(metricsBindAddress, mux)
		if err != nil {
			utilruntime.HandleError(fmt.Errorf("metrics server failed: %w", err))
		}
	}()

	go func() {
		if err := db.WaitForReady(ctx); err != nil {
			utilruntime.HandleError(fmt.Errorf("database did not become ready: %w", err))
			return
		}
		logger.Info("Controller database is ready")
	}()
}

func printVersion() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	var vcsRevision, vcsTime string
	for _, f := range info.Settings {
		switch f.Key {
		case "vcs.revision":
			vcsRevision = f.Value
		case "vcs.time":
			vcsTime = f.Value
		}
	}
	klog.Infof("controller-db go %s build: %s time: %s", info.GoVersion, vcsRevision, vcsTime)
}
