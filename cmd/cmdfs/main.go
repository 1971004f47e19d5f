// cmdfs mounts a filtered, command-transformed view of a directory.
//
// Usage:
//
//	cmdfs [flags] SOURCE MOUNTPOINT
//
// Mount options are given with -o in the comma-separated form used by
// mount(8), for example:
//
//	cmdfs -o command='flac -dc',extension=flac,hide-empty-dirs ~/music ~/wav
//
// The view stays mounted until cmdfs receives SIGINT or SIGTERM or the
// mountpoint is unmounted with fusermount -u.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/gwangyi/cmdfs"
	"github.com/gwangyi/cmdfs/internal/config"
	"github.com/gwangyi/cmdfs/internal/logging"
	"github.com/gwangyi/cmdfs/internal/metrics"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "cmdfs: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	options     []string
	configFile  string
	logLevel    string
	logFormat   string
	logOutput   string
	metricsAddr string
	version     bool
	help        bool
}

func parseFlags(args []string, stderr io.Writer) (*flags, []string, error) {
	var f flags
	flagSet := pflag.NewFlagSet("cmdfs", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringArrayVarP(&f.options, "options", "o", nil, "mount options, comma separated (repeatable)")
	flagSet.StringVar(&f.configFile, "config", "", "YAML file with mount options, applied before -o")
	flagSet.StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flagSet.StringVar(&f.logFormat, "log-format", "console", "log format: console or json")
	flagSet.StringVar(&f.logOutput, "log-output", "", "log to this file instead of stderr")
	flagSet.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flagSet.BoolVar(&f.version, "version", false, "print the version and exit")
	flagSet.BoolVarP(&f.help, "help", "h", false, "show help")
	flagSet.Usage = func() { printHelp(flagSet, stderr) }

	if err := flagSet.Parse(args); err != nil {
		return nil, nil, err
	}
	if f.help {
		flagSet.Usage()
	}
	return &f, flagSet.Args(), nil
}

func printHelp(flagSet *pflag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, `cmdfs mounts a view of SOURCE on MOUNTPOINT in which files are filtered
and optionally replaced by the output of a command run on them.

Usage:
  cmdfs [flags] SOURCE MOUNTPOINT

Mount options (-o):
  command=CMD          generate file content with CMD; %%f is the source path,
                       otherwise the source is piped to stdin
  extension=A;B        show only files with these extensions
  path-re=RE           show only files whose /path matches RE
  exclude-re=RE        hide files whose /path matches RE
  glob=G;H             show only files matching a doublestar glob
  mime-re=RE           show only files whose sniffed MIME type matches RE
  [no]link-thru        show files failing the filter as symlinks to the source
  [no]stat-pass-thru   report source attributes until a file is generated
  [no]hide-empty-dirs  hide directories without visible files
  [no]monitor          watch the source and pre-generate changed files
  cache-dir=DIR        cache location (%%u user, %%b source, %%m mountpoint)
  cache-size=MB        cache size limit
  cache-entries=N      cache entry limit
  cache-expiry=SEC     maximum age of a generated file
  command-timeout=SEC  kill commands running longer than this
  attr-timeout=SEC     kernel attribute cache timeout
  allow_other          let other users access the mount

Flags:
`)
	flagSet.SetOutput(w)
	flagSet.PrintDefaults()
}

func run(args []string, stdout, stderr io.Writer) error {
	f, rest, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if f.help {
		return nil
	}
	if f.version {
		fmt.Fprintf(stdout, "cmdfs %s\n", version)
		return nil
	}
	if len(rest) != 2 {
		return fmt.Errorf("expected SOURCE and MOUNTPOINT, got %d arguments", len(rest))
	}

	m, err := buildMount(f, rest[0], rest[1])
	if err != nil {
		return err
	}

	logger, _, err := logging.New(logging.Config{
		Level:      f.logLevel,
		Format:     f.logFormat,
		OutputPath: f.logOutput,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	view, err := cmdfs.New(m, cmdfs.Logger(logger), cmdfs.Metrics(reg))
	if err != nil {
		return err
	}
	defer view.Close()

	server, err := view.Mount(m.Mountpoint)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer func() { stop() }()

	if f.metricsAddr != "" {
		srv := &http.Server{
			Addr:              f.metricsAddr,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("serving metrics", zap.String("addr", f.metricsAddr))
	}

	done := make(chan struct{})
	go func() {
		server.Wait()
		close(done)
	}()

	for {
		select {
		case <-done:
			logger.Info("unmounted", zap.String("mountpoint", m.Mountpoint))
			return nil
		case <-ctx.Done():
			logger.Info("unmounting", zap.String("mountpoint", m.Mountpoint))
			if err := server.Unmount(); err != nil {
				logger.Error("unmount failed, retrying on the next signal", zap.Error(err))
				stop()
				ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
				continue
			}
			<-done
			return nil
		}
	}
}

func buildMount(f *flags, source, mountpoint string) (config.Mount, error) {
	var opts config.Options
	if f.configFile != "" {
		if err := opts.LoadFile(f.configFile); err != nil {
			return config.Mount{}, err
		}
	}
	for _, o := range f.options {
		if err := opts.Parse(o); err != nil {
			return config.Mount{}, err
		}
	}
	return opts.Build(source, mountpoint)
}

func metricsMux(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.Copy(w, strings.NewReader("ok\n"))
	})
	return mux
}
