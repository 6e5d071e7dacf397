package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/example/go-xtts/internal/config"
	"github.com/example/go-xtts/internal/server"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP synthesis server",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			decoder, err := config.NormalizeDecoder(cfg.TTS.Decoder)
			if err != nil {
				return err
			}
			cfg.TTS.Decoder = decoder

			srv := server.New(cfg, nil)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return srv.Start(ctx)
		},
	}

	return cmd
}
