// Command idevncmd drives the debug network interface of Apple devices from
// user space. It switches attached devices into CDC-NCM mode, binds the
// idevice_debug_ncm driver, and optionally bridges each interface to a
// host TAP device. Health and Prometheus metrics are served over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ardnew/idevncm/pkg"
)

// newLogger builds the JSON go-kit logger for name and routes the library's
// slog output through it.
func newLogger(name string) (log.Logger, error) {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	var lvl slog.Level
	switch name {
	case logLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
		lvl = slog.LevelDebug
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
		lvl = slog.LevelDebug
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
		lvl = slog.LevelInfo
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
		lvl = slog.LevelWarn
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
		lvl = slog.LevelError
	case logLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
		lvl = slog.LevelError + 4
	default:
		return nil, fmt.Errorf("log level %v unknown; possible values are: %s", name, availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	pkg.SetLogLevel(lvl)
	pkg.SetLogger(slog.New(pkg.NewKitHandler(log.With(logger, "lib", "idevncm"), nil)))
	return log.With(logger, "caller", log.DefaultCaller), nil
}

// Main is the principal function for the binary, wrapped only by `main` for convenience.
func Main() error {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	d, err := newDaemon(cfg, logger, r)
	if err != nil {
		return err
	}

	var g run.Group
	{
		// Run the HTTP server.
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
		l, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			return errors.Wrapf(err, "failed to listen on %s", cfg.Listen)
		}

		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
				return errors.Wrap(err, "server exited unexpectedly")
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			select {
			case <-term:
				level.Info(logger).Log("msg", "caught interrupt; shutting down")
			case <-cancel:
			}
			return nil
		}, func(error) {
			close(cancel)
		})
	}

	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return d.run(ctx)
		}, func(error) {
			cancel()
		})
	}

	return g.Run()
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
