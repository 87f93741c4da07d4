package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/dudu/crowdface/internal/logging"
	"github.com/dudu/crowdface/internal/pipeline"
	"github.com/dudu/crowdface/internal/server"
)

var (
	serveAddr   string
	serveStatic string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the mixer over HTTP (POST /create_mix)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}
		if serveStatic != "" {
			cfg.Server.StaticDir = serveStatic
		}

		mixer, err := pipeline.New(cfg)
		if err != nil {
			return err
		}
		defer mixer.Close()

		srv := server.New(cfg, mixer)
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		select {
		case err := <-errCh:
			return err
		case <-cmd.Context().Done():
			logging.Infof("signal received, draining requests")
		}

		// The command context is already cancelled
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return err
		}
		return <-errCh
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides the config)")
	serveCmd.Flags().StringVar(&serveStatic, "static-dir", "", "Directory for stored results (overrides the config)")
	rootCmd.AddCommand(serveCmd)
}
