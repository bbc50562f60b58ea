package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ebogdum/lablock/auth"
	"github.com/ebogdum/lablock/config"
	"github.com/ebogdum/lablock/coordination"
	"github.com/ebogdum/lablock/server"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the lablock gateway",
	Long:  "Serve the configured coordination store over HTTP so lab hosts can share locks through it",
	RunE:  runServer,
}

// runServer starts the lablock gateway
func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.close()

	cfg := sess.cfg
	logger := sess.logger

	logger.Info("Starting lablock gateway",
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.String("store_type", cfg.Store.Type))

	if cfg.Store.Type == config.StoreHTTP {
		logger.Warn("Gateway is backed by another gateway, requests are proxied",
			zap.String("upstream", cfg.Store.HTTPEndpoint))
	}

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	closedDone := make(chan struct{})
	close(closedDone)
	var purgeDone <-chan struct{} = closedDone
	if purger, ok := sess.store.(coordination.Purger); ok {
		purgeDone = server.StartPurgeWorker(workerCtx, purger, cfg.Server.PurgeInterval, logger)
	}
	defer func() {
		cancelWorker()
		<-purgeDone
	}()

	authenticator := auth.NewAPIKeyAuthenticator(cfg.Server.APIKeys)
	router := server.NewRouter(sess.store, authenticator, &cfg.Server, logger)

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", cfg.Server.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
		return err
	}

	logger.Info("Server exited gracefully")
	return nil
}
