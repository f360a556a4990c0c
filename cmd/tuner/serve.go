package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/tunerd"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP tuning API and the gRPC health service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := setup(ctx, prometheus.DefaultRegisterer)
		if err != nil {
			return err
		}
		return serve(ctx, a)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, a *app) error {
	store := tunerd.NewRunStore()
	notifier := tunerd.NewNotifier(tunerd.WithDefaultCallback(a.cfg.Notify.CallbackURL, a.cfg.Notify.Secret))
	executor := tunerd.NewExecutor(store, a.manager, tunerd.WithNotifier(notifier))

	grpcServer := grpc.NewServer()
	tunerd.RegisterGRPC(grpcServer, a.manager)
	grpcLis, err := net.Listen("tcp", a.cfg.Server.GRPCAddr)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              a.cfg.Server.HTTPAddr,
		Handler:           tunerd.NewHTTPServer(store, executor, a.manager).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gRPC server listening", "addr", a.cfg.Server.GRPCAddr)
		return grpcServer.Serve(grpcLis)
	})
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", a.cfg.Server.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown requested")
		if id := executor.Active(); id != "" {
			if _, err := executor.Stop(id); err != nil {
				logger.Warn("failed to stop active run", "run_id", id, "error", err)
			}
			executor.Shutdown()
			executor.Wait()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcServer.GracefulStop()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP shutdown error", "error", err)
		}
		notifier.Wait()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return a.save()
}
