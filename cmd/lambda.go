package cmd

import (
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/lambda-feedback/sandcastle/app"
	"github.com/lambda-feedback/sandcastle/app/lambda"
	"github.com/lambda-feedback/sandcastle/internal/server"
	"github.com/lambda-feedback/sandcastle/util/conf"
	"github.com/lambda-feedback/sandcastle/util/logging"
)

var (
	lambdaCmdDescription = `The lambda command starts sandcastle as an AWS Lambda runtime
interface client, which allows it to be directly invoked by
the AWS Lambda runtime without any additional dependencies.
Run requests arrive as proxied http events.

The command will start the AWS runtime interface client and
blocks indefinitely, processing incoming AWS Lambda events.`
	lambdaCmd = &cli.Command{
		Name:        "lambda",
		Usage:       "Run the AWS Lambda handler",
		Description: lambdaCmdDescription,
		Action:      lambdaAction,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "lambda-proxy-source",
				Usage:    "the source of the AWS Lambda event. Options: API_GW_V1, API_GW_V2, ALB.",
				Value:    "API_GW_V2",
				EnvVars:  []string{"LAMBDA_PROXY_SOURCE"},
				Category: "lambda",
			},
			&cli.Int64Flag{
				Name:     "max-body-bytes",
				Usage:    "reject event bodies larger than this. 0 disables the limit.",
				Value:    server.DefaultMaxBodyBytes,
				EnvVars:  []string{"LAMBDA_MAX_BODY_BYTES"},
				Category: "lambda",
			},
		},
	}
)

func lambdaAction(ctx *cli.Context) error {
	log, err := logging.LoggerFromContext(ctx.Context)
	if err != nil {
		return err
	}

	app, err := app.New(ctx)
	if err != nil {
		return err
	}

	cfg, err := conf.Parse[lambda.Config](conf.ParseOptions{
		Log: log,
		Cli: ctx,
	})
	if err != nil {
		return err
	}

	if cfg.ProxySource, err = lambda.ParseProxySource(cfg.ProxySource.String()); err != nil {
		return cli.Exit(err.Error(), 2)
	}

	log.Info("starting AWS Lambda handler", zap.Stringer("proxy_source", cfg.ProxySource))

	return app.Run(ctx.Context, lambda.Module(cfg))
}

func init() {
	rootApp.Commands = append(rootApp.Commands, lambdaCmd)
}
