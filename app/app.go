package app

import (
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"

	"github.com/lambda-feedback/sandcastle/config"
	"github.com/lambda-feedback/sandcastle/internal/shell"
	"github.com/lambda-feedback/sandcastle/runtime"
	"github.com/lambda-feedback/sandcastle/util/conf"
	"github.com/lambda-feedback/sandcastle/util/logging"
)

func New(ctx *cli.Context) (*shell.Shell, error) {
	log, err := logging.LoggerFromContext(ctx.Context)
	if err != nil {
		return nil, err
	}

	config, err := conf.GetConfigFromContext[config.Config](ctx.Context)
	if err != nil {
		return nil, err
	}

	sharedModule := fx.Module(
		"shared",
		// provide global config
		fx.Supply(config),
		// provide runtime
		runtime.Module(config.Runtime, config.Sandcastle),
	)

	return shell.New(log, sharedModule), nil
}
