package main

import (
	"context"
	"fmt"
	"guildsync/internal/app"
	"os"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const closeTimeout = 10 * time.Second

var (
	application *app.App
	compact     bool
)

var rootCmd = &cobra.Command{
	Use:           "guildsync <command>",
	Short:         "Versioned guild configuration shared by the web frontend and the bot",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.FromEnv(cmd.Context())
		if err != nil {
			return fmt.Errorf("initializing: %w", err)
		}
		application = a
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if application == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		return application.Close(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&compact, "compact", false, "print JSON on a single line")
	rootCmd.AddGroup(
		&cobra.Group{ID: "config", Title: "Configuration:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)
}

// printJSON writes v to stdout.
func printJSON(v any) error {
	var (
		data []byte
		err  error
	)
	if compact {
		data, err = json.Marshal(v)
	} else {
		data, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func main() {
	app.LoadEnv()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}
