// Command brokerd runs the MCP connection broker from a configuration file. It
// serves the JSON API and the aggregated MCP gateway on one listener and
// reloads the server list whenever the file changes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vikashloomba/mcp-broker-go/pkg/api"
	"github.com/vikashloomba/mcp-broker-go/pkg/broker"
	"github.com/vikashloomba/mcp-broker-go/pkg/calllog"
	"github.com/vikashloomba/mcp-broker-go/pkg/config"
	mcpgateway "github.com/vikashloomba/mcp-broker-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-broker-go/pkg/transport"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "broker.yaml", "path to the YAML or JSON configuration file")
	addr := flag.String("addr", "", "listen address, overrides settings.httpAddr")
	watch := flag.Bool("watch", true, "reload the server list when the configuration file changes")
	flag.Parse()

	if err := run(*configPath, *addr, *watch); err != nil {
		fmt.Fprintf(os.Stderr, "brokerd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, addrOverride string, watch bool) error {
	file, err := config.Load(configPath)
	if err != nil {
		return err
	}
	settings := file.Settings
	logger := newLogger(settings)
	slog.SetDefault(logger)

	defs, err := file.Definitions()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slogSink := calllog.NewSlogSink(logger.With("component", "calls"))
	callLoggers := calllog.Multi{slogSink}
	var store *calllog.Store
	if settings.AuditDB != "" {
		store, err = calllog.Open(settings.AuditDB, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		callLoggers = append(callLoggers, store)
	}

	opts := &broker.Options{
		Logger:          logger,
		Events:          slogSink,
		CallLogger:      callLoggers,
		ConnectTimeout:  settings.ConnectTimeout,
		ReconnectDelay:  settings.ReconnectDelay,
		ReconnectOnLoss: settings.ReconnectOnLoss,
		ClientName:      "mcp-broker",
		ClientVersion:   version,
	}
	if settings.LogJSONRPC {
		opts.RPCLogger = transport.SlogRPCLogger(logger.With("component", "jsonrpc"))
	}
	b := broker.New(opts)
	if store != nil {
		b.Subscribe(store)
	}

	// The gateway subscribes first so backends connecting during the initial
	// reconcile are mirrored.
	gateway, err := mcpgateway.NewGateway(b, &mcpgateway.Options{
		Path:   settings.GatewayPath,
		Logger: logger.With("component", "gateway"),
	})
	if err != nil {
		return err
	}

	go func() {
		result, err := config.Reconcile(ctx, b, defs)
		if err != nil {
			logger.Error("initial registration failed", "error", err)
		}
		logger.Info("servers registered", "count", len(result.Added))
	}()

	if watch {
		watcher, err := config.NewWatcher(configPath, b, &config.WatcherOptions{Logger: logger})
		if err != nil {
			return err
		}
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("config watcher stopped", "error", err)
			}
		}()
	}

	var audit api.AuditLog
	if store != nil {
		audit = store
	}
	apiServer := api.New(b, &api.Options{
		Logger:         logger.With("component", "api"),
		AllowedOrigins: settings.AllowedOrigins,
		Audit:          audit,
	})
	apiServer.Mount(gateway.Path(), gateway.Handler())
	apiServer.Mount(gateway.Path()+"/", gateway.Handler())

	listenAddr := settings.HTTPAddr
	if addrOverride != "" {
		listenAddr = addrOverride
	}
	srv := &http.Server{Addr: listenAddr, Handler: apiServer.Handler()}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("broker listening", "addr", listenAddr, "gateway", gateway.Path(), "version", version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			stop()
			shutdownBroker(b, gateway, logger)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	shutdownBroker(b, gateway, logger)
	return nil
}

func shutdownBroker(b *broker.Broker, gateway *mcpgateway.Gateway, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = gateway.Shutdown(ctx)
	if err := b.Shutdown(ctx); err != nil {
		logger.Warn("broker shutdown", "error", err)
	}
}

func newLogger(settings config.Settings) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: settings.Level()}
	if settings.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, handlerOpts))
}
