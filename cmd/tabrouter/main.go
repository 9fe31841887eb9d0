// Command tabrouter runs the session-multiplexed command router as a
// standalone daemon: it binds the Extension Link's websocket listener and
// the optional local control HTTP surface, then serves until signaled. On
// shutdown it waits for in-flight control requests to finish (bounded by
// drainTimeout), closes the extension link and stops the router; sessions
// are not ended one by one (§6, §9 create → serve → drain → destroy
// lifecycle).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goa.design/clue/log"

	"github.com/gasoline-dev/tabrouter/internal/adapter"
	"github.com/gasoline-dev/tabrouter/internal/config"
	"github.com/gasoline-dev/tabrouter/internal/control"
	"github.com/gasoline-dev/tabrouter/internal/extlink"
	"github.com/gasoline-dev/tabrouter/internal/router"
	"github.com/gasoline-dev/tabrouter/internal/telemetry"
)

// Exit codes per §6.
const (
	exitOK                 = 0
	exitConfigError        = 1
	exitLinkBindFailure    = 2
	exitInvariantViolation = 3
)

// drainTimeout bounds how long shutdown waits for the HTTP servers to finish
// their in-flight requests before forcing the process down anyway.
const drainTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() (code int) {
	defer func() {
		if rec := recover(); rec != nil {
			fmt.Fprintln(os.Stderr, "tabrouter: invariant violation:", rec)
			code = exitInvariantViolation
		}
	}()

	var overridePath string
	flag.StringVar(&overridePath, "config", "", "optional YAML config override file")
	flag.Parse()

	cfg, err := config.Load(overridePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tabrouter: configuration error:", err)
		return exitConfigError
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if cfg.LogLevel == "debug" {
		ctx = log.Context(ctx, log.WithDebug())
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	extLink := extlink.New(cfg.Link, extlink.WithTelemetry(logger, metrics))

	extListener, err := net.Listen("tcp", cfg.ExtensionAddr)
	if err != nil {
		logger.Error(ctx, "failed to bind extension link listener", "addr", cfg.ExtensionAddr, "error", err.Error())
		return exitLinkBindFailure
	}

	r := router.New(extLink, cfg.Router, router.WithTelemetry(logger, metrics, tracer))
	defer r.Close()

	commandSpecs := defaultCommandSpecs()
	toolAdapter := adapter.New(r, commandSpecs, adapter.WithLogger(logger))

	extServer := &http.Server{Handler: extLink}
	go func() {
		if err := extServer.Serve(extListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "extension link listener stopped unexpectedly", "error", err.Error())
		}
	}()

	var controlServer *http.Server
	if cfg.ControlAddr != "" {
		controlServer = &http.Server{
			Addr:    cfg.ControlAddr,
			Handler: control.New(toolAdapter, cfg.ControlSecret, control.WithLogger(logger)),
		}
		go func() {
			if err := controlServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error(ctx, "control surface listener stopped unexpectedly", "error", err.Error())
			}
		}()
	}

	logger.Info(ctx, "tabrouter started", "extensionAddr", cfg.ExtensionAddr, "controlAddr", cfg.ControlAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info(ctx, "tabrouter draining")
	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()

	if controlServer != nil {
		_ = controlServer.Shutdown(drainCtx)
	}
	_ = extServer.Shutdown(drainCtx)
	extLink.Close()

	logger.Info(ctx, "tabrouter stopped")
	return exitOK
}

// defaultCommandSpecs lists the browser commands the extension supports,
// each with a deadline sized to its nature (§4.4: "short for clicks, long
// for navigation-and-snapshot").
func defaultCommandSpecs() []adapter.CommandSpec {
	return []adapter.CommandSpec{
		{Name: "navigate", DefaultDeadline: 30 * time.Second},
		{Name: "click", DefaultDeadline: 5 * time.Second},
		{Name: "type", DefaultDeadline: 5 * time.Second},
		{Name: "snapshot", DefaultDeadline: 15 * time.Second},
		{Name: "executeScript", DefaultDeadline: 15 * time.Second},
		{Name: "closeTab", DefaultDeadline: 5 * time.Second},
	}
}
