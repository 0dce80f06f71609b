package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/lambda-feedback/sandcastle/app"
	"github.com/lambda-feedback/sandcastle/app/standalone"
	"github.com/lambda-feedback/sandcastle/internal/server"
)

var (
	serveCmdDescription = `The serve command starts a http server and waits for scripts
	to run. Every POST /run request runs one script in the sand-
	box and responds with its result.

	The command will launch the http server and blocks indefin-
	itely, processing incoming http requests.`
	serveCmd = &cli.Command{
		Name:        "serve",
		Usage:       "Start a http server and listen for run requests.",
		Description: serveCmdDescription,
		Action:      serveAction,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "host",
				Aliases:  []string{"H"},
				Usage:    "The host to listen on.",
				Value:    "localhost",
				Category: "http",
				EnvVars:  []string{"HTTP_HOST"},
			},
			&cli.IntFlag{
				Name:     "port",
				Aliases:  []string{"P"},
				Usage:    "The port to listen on.",
				Value:    8080,
				Category: "http",
				EnvVars:  []string{"HTTP_PORT"},
			},
			&cli.BoolFlag{
				Name:     "h2c",
				Usage:    "Enable HTTP/2 cleartext upgrade.",
				Value:    false,
				Category: "http",
				EnvVars:  []string{"HTTP_H2C"},
			},
			&cli.Int64Flag{
				Name:     "max-body-bytes",
				Usage:    "Reject request bodies larger than this. 0 disables the limit.",
				Value:    server.DefaultMaxBodyBytes,
				Category: "http",
				EnvVars:  []string{"HTTP_MAX_BODY_BYTES"},
			},
		},
	}
)

func serveAction(ctx *cli.Context) error {
	app, err := app.New(ctx)
	if err != nil {
		return err
	}

	cfg := standalone.Config{
		HttpConfig: server.HttpConfig{
			Host: ctx.String("host"),
			Port: ctx.Int("port"),
			H2c:  ctx.Bool("h2c"),

			MaxBodyBytes: ctx.Int64("max-body-bytes"),
		},
	}

	return app.Run(ctx.Context, standalone.Module(cfg))
}

func init() {
	rootApp.Commands = append(rootApp.Commands, serveCmd)
}
