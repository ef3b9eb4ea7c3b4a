package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/scaup/core/backend"
	"github.com/relabs-tech/scaup/core/logger"
	"github.com/relabs-tech/scaup/core/service"
)

var noMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, the job worker and the outbox publisher",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		config, err := service.Load()
		if err != nil {
			return err
		}
		router := mux.NewRouter()
		logger.AddRequestID(router)
		s, err := config.Open(ctx, router, !noMigrate)
		if err != nil {
			return err
		}
		defer s.Close()

		srv := &http.Server{
			Addr:              ":" + strconv.Itoa(config.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logger.Default().Infoln("listen on port", config.Port)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		// events and notifications both go through the job table
		g.Go(func() error {
			s.Backend.ProcessJobsAsync(gctx, config.JobHeartbeat)
			<-gctx.Done()
			return nil
		})
		if config.RefreshInterval > 0 {
			g.Go(func() error {
				return refreshPeriodically(gctx, s.Backend, config.RefreshInterval)
			})
		}
		err = g.Wait()
		logger.Default().Infoln("service stopped")
		return err
	},
}

func init() {
	serveCmd.Flags().BoolVar(&noMigrate, "no-migrate", false, "do not create or update the database tables")
}

func refreshPeriodically(ctx context.Context, b *backend.Backend, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := b.RefreshStatuses(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Default().WithError(err).Errorln("status refresh failed")
				continue
			}
			logger.Default().Infof("refreshed status of %d shipments", n)
		}
	}
}
