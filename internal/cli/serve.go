package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/impetus/internal/config"
	"github.com/ppiankov/impetus/internal/server"
	"github.com/ppiankov/impetus/internal/service"
)

var (
	serveListen     string
	serveGRPCListen string
	serveProvider   string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "HTTP listen address (default from config)")
	serveCmd.Flags().StringVar(&serveGRPCListen, "grpc-listen", "", "gRPC health listen address (default from config, \"off\" disables)")
	serveCmd.Flags().StringVar(&serveProvider, "provider", "", "Decision provider (heuristic|openai)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the decision service",
	Long: "Runs the decision service over HTTP and the gRPC health service beside it.\n" +
		"Rate limits are hot-reloaded from the config file.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()
	cfg, hash, err := loadConfig()
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Service.Listen = serveListen
	}
	if serveGRPCListen != "" {
		cfg.Service.GRPCListen = serveGRPCListen
	}
	if serveProvider != "" {
		cfg.Service.Provider = serveProvider
	}

	provider, err := service.NewProvider(cfg.Service, uint64(time.Now().UnixNano()), logger)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	svc := service.New(provider,
		service.WithLogger(logger),
		service.WithIdempotencyTTL(cfg.Service.IdempotencyTTL),
		service.WithRateLimit(cfg.Service.RatePerSecond, cfg.Service.Burst))

	gin.SetMode(gin.ReleaseMode)
	httpSrv := &http.Server{
		Addr:              cfg.Service.Listen,
		Handler:           svc.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var grpcSrv *server.Server
	if cfg.Service.GRPCListen != "" && cfg.Service.GRPCListen != "off" {
		grpcSrv = server.New(server.Config{
			Listen:     cfg.Service.GRPCListen,
			Provider:   provider.Name(),
			ConfigHash: hash,
		}, logger)
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if grpcSrv != nil {
		g.Go(func() error {
			if err := grpcSrv.Serve(); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	watcher, err := config.NewWatcher(resolvedConfigPath(), func(next *config.Config, nextHash string) {
		svc.SetRateLimit(next.Service.RatePerSecond, next.Service.Burst)
		if grpcSrv != nil {
			grpcSrv.Reloaded(nextHash)
		}
		if next.Service.Provider != cfg.Service.Provider {
			logger.Warn("provider change needs a restart", "running", cfg.Service.Provider, "configured", next.Service.Provider)
		}
	}, config.WithWatchLogger(logger))
	if err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	} else {
		g.Go(func() error { return watcher.Run(ctx) })
	}

	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n := svc.Cache().Cleanup(); n > 0 {
					logger.Debug("idempotency cache swept", "removed", n)
				}
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		fmt.Fprintln(cmd.ErrOrStderr(), "\nShutting down decision service...")
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	fmt.Fprintf(cmd.ErrOrStderr(), "impetus decision service listening on %s (provider %s)\n", cfg.Service.Listen, provider.Name())
	if grpcSrv != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "gRPC health on %s\n", cfg.Service.GRPCListen)
	}
	return g.Wait()
}
