// Package command provides CLI command definitions for partymesh-cli.
//
// The tool connects to a directory as a throwaway inspector world and
// issues read-side requests: party snapshots and booking searches.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ravengrove/partymesh/internal/infra/buildinfo"
	"github.com/ravengrove/partymesh/internal/worldcache"
)

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:    "partymesh-cli",
		Usage:   "PartyMesh directory inspection tool",
		Version: buildinfo.String(),
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			PingCommand(),
			PartyCommand(),
			BookingCommand(),
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "server",
			Aliases: []string{"s"},
			Usage:   "directory address",
			EnvVars: []string{"PARTYMESH_SERVER"},
			Value:   "127.0.0.1:6121",
		},
		&cli.StringFlag{
			Name:  "world-id",
			Usage: "world identity to present; empty asks for an assigned one",
		},
		&cli.DurationFlag{
			Name:    "timeout",
			Aliases: []string{"t"},
			Usage:   "per-request timeout",
			Value:   5 * time.Second,
		},
	}
}

// connect dials the directory and completes the handshake.
func connect(c *cli.Context) (*worldcache.Client, error) {
	log := slog.New(slog.DiscardHandler)
	client := worldcache.NewClient(worldcache.ClientConfig{
		Addr:    c.String("server"),
		WorldID: c.String("world-id"),
	}, worldcache.NewCache(log), log)

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", c.String("server"), err)
	}
	return client, nil
}

// PingCommand checks connectivity and prints the negotiated identity.
func PingCommand() *cli.Command {
	return &cli.Command{
		Name:  "ping",
		Usage: "Connect, handshake, and report the directory's answers",
		Action: func(c *cli.Context) error {
			client, err := connect(c)
			if err != nil {
				return err
			}
			defer client.Close()

			fmt.Printf("server:       %s\n", c.String("server"))
			fmt.Printf("world id:     %s\n", client.WorldID())
			fmt.Printf("booking mode: %s\n", client.BookingMode())
			return nil
		},
	}
}
