package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/pulseproof/pulseproof/internal/app"
	"github.com/pulseproof/pulseproof/internal/config"
)

func main() {
	cmd := &cli.Command{
		Name:  "pulseproof",
		Usage: "Pulseproof - real-time social proof notifications",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a .env or yaml config file",
			},
			&cli.StringFlag{
				Name:  "service",
				Usage: "service to run: ingest, materializer, delivery, realtime (empty runs all)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.Parse(config.Flags{
				Config:  c.String("config"),
				Service: c.String("service"),
			})
			if err != nil {
				return err
			}
			return app.New(cfg).Run(ctx)
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
