package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/allisson/webpush-kms/cmd/app/commands"
	"github.com/allisson/webpush-kms/internal/app"
	"github.com/allisson/webpush-kms/internal/config"
)

func getSystemCommands(version string) []*cli.Command {
	return []*cli.Command{
		{
			Name:  "server",
			Usage: "Start the HTTP server",
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return commands.RunServer(ctx, version)
			},
		},
		{
			Name:  "migrate",
			Usage: "Run database migrations",
			Action: func(ctx context.Context, cmd *cli.Command) error {
				cfg := config.Load()
				container := app.NewContainer(cfg)
				defer func() { _ = container.Shutdown(ctx) }()

				return commands.RunMigrations(container.Logger(), cfg.DBDriver, cfg.DBConnectionString)
			},
		},
		{
			Name:  "verify-audit-chain",
			Usage: "Verify the cryptographic integrity of the audit log's hash chain",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "format",
					Aliases: []string{"f"},
					Value:   "text",
					Usage:   "Output format: 'text' or 'json'",
				},
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				cfg := config.Load()
				container := app.NewContainer(cfg)
				defer func() { _ = container.Shutdown(ctx) }()

				kmsUseCase, err := container.KMSUseCase()
				if err != nil {
					return err
				}

				return commands.RunVerifyAuditChain(
					ctx,
					kmsUseCase,
					container.Logger(),
					os.Stdout,
					cmd.String("format"),
				)
			},
		},
	}
}
