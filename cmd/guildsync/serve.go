package main

import (
	"errors"
	"fmt"
	"guildsync/internal/api"
	"guildsync/internal/backends"
	"guildsync/internal/export"
	"guildsync/internal/types"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const PortKey = "PORT"

var (
	port    int
	noWatch bool
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Run the HTTP API",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stopSignals := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stopSignals()

		if !noWatch {
			go func() {
				err := application.Service.WatchExternal(ctx)
				if errors.Is(err, types.ErrInvalidBackend) {
					log.WithError(err).Info("external changes are not propagated")
				}
			}()
		}

		dests, err := export.DestinationsFromEnv(ctx)
		if err != nil {
			return fmt.Errorf("export destinations: %w", err)
		}
		if len(dests) > 0 {
			sch := export.NewScheduler(application.Service, dests, export.IntervalFromEnv())
			sch.Start()
			defer sch.Stop()
		}

		if !cmd.Flags().Changed("port") {
			port = backends.GetenvInt(PortKey, port)
		}
		h := api.NewHandler(application.Service, application.Metrics)
		stop, done := api.RunServerInterruptible(port, h)
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			log.Info("shutting down")
			close(stop)
			return <-done
		}
	},
}

func init() {
	serveCmd.Flags().IntVar(&port, "port", 8080, "listen port, overrides PORT")
	serveCmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not announce changes made by other processes")
	rootCmd.AddCommand(serveCmd)
}
