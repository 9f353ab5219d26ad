/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/wso2/api-platform/gateway/service-control/internal/admin"
	"github.com/wso2/api-platform/gateway/service-control/internal/async"
	"github.com/wso2/api-platform/gateway/service-control/internal/config"
	"github.com/wso2/api-platform/gateway/service-control/internal/filter"
	"github.com/wso2/api-platform/gateway/service-control/internal/httpcall"
	"github.com/wso2/api-platform/gateway/service-control/internal/kernel"
	"github.com/wso2/api-platform/gateway/service-control/internal/metrics"
	"github.com/wso2/api-platform/gateway/service-control/internal/serviceconfig"
	"github.com/wso2/api-platform/gateway/service-control/internal/token"
	"github.com/wso2/api-platform/gateway/service-control/internal/tracing"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var configFile = flag.String("config", "", "Path to configuration file (APIP_SC_ environment variables override it)")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	sc := &cfg.ServiceControl

	// Must run before any metric is touched so disabled metrics stay no-ops
	metrics.SetEnabled(sc.Metrics.Enabled)
	metrics.Init()

	slog.SetDefault(setupLogger(cfg))
	ctx := context.Background()

	slog.InfoContext(ctx, "Service control engine starting",
		"version", Version,
		"git_commit", GitCommit,
		"build_date", BuildDate,
		"config_file", *configFile,
		"service_config", sc.ServiceConfig.Path,
		"mode", listenMode(sc))

	tracingShutdown, err := tracing.InitTracer(cfg)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer tracingShutdown()

	resolver := serviceconfig.NewResolver()
	if err := loadServiceConfig(ctx, resolver, sc.ServiceConfig.Path); err != nil {
		slog.ErrorContext(ctx, "Failed to load service configuration", "error", err)
		os.Exit(1)
	}

	// Token fetches and calls share one tracker so a report waiting on its
	// token is still drained on shutdown
	inflight := &async.Tracker{}
	deps := filter.Deps{
		Resolver: resolver,
		Tokens: token.NewProvider(resolver, token.Options{
			FetchTimeout:   sc.Call.TokenFetchTimeout,
			InitialBackoff: sc.Call.TokenInitialBackoff,
			Tracker:        inflight,
		}),
		Calls: httpcall.NewClient(httpcall.Options{
			CheckTimeout:  sc.Call.CheckTimeout,
			ReportTimeout: sc.Call.ReportTimeout,
			Tracker:       inflight,
		}),
		Stats: filter.Stats{
			Allowed: metrics.AllowedTotal,
			Denied:  metrics.DeniedTotal,
		},
		LogHeaders: filter.HeaderLogging{
			Request:  sc.Report.LogRequestHeaders,
			Response: sc.Report.LogResponseHeaders,
		},
	}
	extprocServer := kernel.NewExternalProcessorServer(deps)

	lis, err := listen(ctx, sc)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to listen", "error", err)
		os.Exit(1)
	}

	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
	)
	extprocv3.RegisterExternalProcessorServer(grpcServer, extprocServer)

	var adminServer *admin.Server
	if sc.Admin.Enabled {
		adminServer = admin.NewServer(&sc.Admin, resolver)
		go func() {
			if err := adminServer.Start(ctx); err != nil {
				slog.ErrorContext(ctx, "Admin server error", "error", err)
			}
		}()
	}

	var metricsServer *metrics.Server
	if sc.Metrics.Enabled {
		metricsServer = metrics.NewServer(&sc.Metrics)
		go func() {
			if err := metricsServer.Start(ctx); err != nil {
				slog.ErrorContext(ctx, "Metrics server error", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			serverErrCh <- err
		}
	}()
	metrics.Up.Set(1)

wait:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				// A bad file keeps the previous configuration in place
				if err := loadServiceConfig(ctx, resolver, sc.ServiceConfig.Path); err != nil {
					slog.ErrorContext(ctx, "Failed to reload service configuration", "error", err)
				}
				continue
			}
			slog.InfoContext(ctx, "Received signal, shutting down gracefully", "signal", sig)
			break wait
		case err := <-serverErrCh:
			slog.ErrorContext(ctx, "Server error", "error", err)
			break wait
		}
	}
	metrics.Up.Set(0)

	if adminServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := adminServer.Stop(shutdownCtx); err != nil {
			slog.ErrorContext(ctx, "Error stopping admin server", "error", err)
		}
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			slog.ErrorContext(ctx, "Error stopping metrics server", "error", err)
		}
	}

	grpcServer.GracefulStop()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), sc.Report.DrainTimeout)
	defer cancelDrain()
	if err := inflight.Wait(drainCtx); err != nil {
		slog.WarnContext(ctx, "Gave up waiting for in-flight reports", "timeout", sc.Report.DrainTimeout)
	}

	if listenMode(sc) == "uds" {
		if err := os.Remove(sc.Server.ExtProcSocket); err != nil && !os.IsNotExist(err) {
			slog.WarnContext(ctx, "Failed to cleanup socket file on shutdown",
				"path", sc.Server.ExtProcSocket, "error", err)
		}
	}

	slog.InfoContext(ctx, "Service control engine shut down successfully")
}

func listenMode(sc *config.ServiceControl) string {
	if sc.Server.Mode == "" {
		return "uds"
	}
	return sc.Server.Mode
}

// listen opens the ext_proc listener on a Unix socket or TCP port
func listen(ctx context.Context, sc *config.ServiceControl) (net.Listener, error) {
	if listenMode(sc) == "tcp" {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", sc.Server.ExtProcPort))
		if err != nil {
			return nil, fmt.Errorf("failed to listen on port %d: %w", sc.Server.ExtProcPort, err)
		}
		slog.InfoContext(ctx, "Service control engine listening on TCP port", "port", sc.Server.ExtProcPort)
		return lis, nil
	}

	socketPath := sc.Server.ExtProcSocket
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		slog.WarnContext(ctx, "Failed to remove existing socket file", "path", socketPath, "error", err)
	}
	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on unix socket %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0660); err != nil {
		slog.WarnContext(ctx, "Failed to set socket permissions", "path", socketPath, "error", err)
	}
	slog.InfoContext(ctx, "Service control engine listening on Unix socket", "path", socketPath)
	return lis, nil
}

// loadServiceConfig reads the services file and swaps it into the resolver
func loadServiceConfig(ctx context.Context, resolver *serviceconfig.Resolver, path string) error {
	cfg, err := serviceconfig.LoadFile(path)
	if err != nil {
		return err
	}
	if err := resolver.Apply(cfg); err != nil {
		return fmt.Errorf("failed to apply service configuration: %w", err)
	}
	slog.InfoContext(ctx, "Service configuration loaded",
		"path", path,
		"services", len(cfg.Services),
		"operations", len(cfg.Operations))
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.ServiceControl.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.ServiceControl.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
