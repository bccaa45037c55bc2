// Command goadb talks to adbd directly over TCP, without an adb server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	"github.com/pgaskin/go-adbwire/adb/adbdevice"
	"github.com/pgaskin/go-adbwire/adb/adbkey"
	"github.com/pgaskin/go-adbwire/adblib"
	"github.com/pgaskin/go-adbwire/adblib/adbexec"
	"github.com/pgaskin/go-adbwire/adblib/adbnet"
	"github.com/pgaskin/go-adbwire/adblib/adbsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type app struct {
	cfg     Config
	log     *slog.Logger
	metrics *adbdevice.Metrics
}

func newRootCmd() *cobra.Command {
	a := new(app)

	root := &cobra.Command{
		Use:           "goadb",
		Short:         "Standalone ADB client",
		Long:          "Connects to adbd over TCP and runs shell commands, transfers files, and sets up reverse forwards.",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "config file (default "+DefaultConfigFile+")")
	pf.StringP("addr", "a", "", "adbd address (host[:port])")
	pf.String("key-dir", "", "directory containing adbkey (default ~/.android)")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("metrics", "", "serve prometheus metrics on this address")
	pf.String("compress", "", "sync compression methods (any, none, or a list of zstd, lz4, brotli)")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("config")
		cfg, err := loadConfig(name, cmd.Flags().Changed("config"))
		if err != nil {
			return err
		}
		cfg.apply(cmd.Flags())
		a.cfg = cfg

		lvl, err := cfg.level()
		if err != nil {
			return err
		}
		a.log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
		adbdevice.Trace(a.log.With("component", "adbdevice"))
		adbsync.Trace(a.log.With("component", "adbsync"))
		adbnet.Trace(a.log.With("component", "adbnet"))

		if cfg.Metrics != "" {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector())
			a.metrics = adbdevice.NewMetrics(reg)
			srv := &http.Server{
				Addr:    cfg.Metrics,
				Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil {
					a.log.Error("metrics server failed", "addr", cfg.Metrics, "error", err)
				}
			}()
		}
		return nil
	}

	root.AddCommand(
		a.keygenCmd(),
		a.infoCmd(),
		a.shellCmd(),
		a.execCmd(),
		a.lsCmd(),
		a.statCmd(),
		a.pullCmd(),
		a.pushCmd(),
		a.reverseCmd(),
	)
	return root
}

func (a *app) keys() *adbkey.FileStore {
	return &adbkey.FileStore{Dir: a.cfg.KeyDir}
}

// connect connects to the configured device.
func (a *app) connect(ctx context.Context) (*adbdevice.Conn, error) {
	if a.cfg.Addr == "" {
		return nil, errors.New("no device address specified (use --addr or set addr in the config)")
	}
	if a.metrics != nil {
		ctx = adbdevice.WithMetrics(ctx, a.metrics)
	}
	dev, err := adblib.Connect(ctx, a.cfg.Addr, &adbdevice.Config{
		Keys: a.keys(),
	})
	if err != nil {
		return nil, err
	}
	a.log.Info("connected", "addr", a.cfg.Addr, "product", dev.State().Banner.Product())
	return dev, nil
}

// syncClient returns a sync client for dev using the configured compression.
func (a *app) syncClient(dev *adbdevice.Conn) (*adbsync.Client, error) {
	methods, err := adbsync.ParseCompressionMethods(a.cfg.Compress)
	if err != nil {
		return nil, err
	}
	return &adbsync.Client{
		Server: dev,
		CompressionConfig: &adbsync.CompressionConfig{
			Compress:   methods,
			Decompress: methods,
		},
	}, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	var ee *adbexec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &ee) && ee.Exited():
		os.Exit(ee.ExitCode())
	default:
		fmt.Fprintf(os.Stderr, "goadb: %v\n", err)
		os.Exit(1)
	}
}
