package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/lambda-feedback/sandcastle/config"
	"github.com/lambda-feedback/sandcastle/internal/shell"
	"github.com/lambda-feedback/sandcastle/util/conf"
	"github.com/lambda-feedback/sandcastle/util/logging"
)

const envPrefix = "SANDCASTLE_"

var (
	appName  = "sandcastle"
	appUsage = `Run untrusted scripts in a supervised sandbox process.`
	rootApp  = &cli.App{
		Name:            appName,
		Usage:           appUsage,
		HideHelpCommand: true,
		// exit codes are resolved by run, after sentry had a chance to flush
		ExitErrHandler: func(*cli.Context, error) {},
		Flags: []cli.Flag{
			// general flags
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "set the log level. Options: debug, info, warn, error, panic, fatal.",
				EnvVars: []string{"LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "set the log format. Options: production, development.",
				EnvVars: []string{"LOG_FORMAT"},
			},
			&cli.PathFlag{
				Name:    "config",
				Usage:   "load configuration from a JSON file.",
				EnvVars: []string{"SANDCASTLE_CONFIG"},
			},
			&cli.PathFlag{
				Name:    "env-file",
				Usage:   "load configuration from a dotenv file.",
				EnvVars: []string{"SANDCASTLE_ENV_FILE"},
			},
			// worker flags, set by the supervisor when spawning the sandbox
			&cli.BoolFlag{
				Name:   "expose-gc",
				Hidden: true,
			},
			&cli.BoolFlag{
				Name:   "use-strict",
				Hidden: true,
			},
			&cli.IntFlag{
				Name:   "max-old-space-size",
				Hidden: true,
			},
		},
		Before: func(ctx *cli.Context) error {
			// create the logger
			log, err := createLogger(ctx)
			if err != nil {
				return err
			}

			// inject logger into cli context
			ctx.Context = logging.ContextWithLogger(ctx.Context, log)

			// parse config using defaults, files and env
			cfg, err := conf.Parse[config.Config](conf.ParseOptions{
				Defaults:    config.DefaultConfig,
				EnvPrefix:   envPrefix,
				FileName:    ctx.Path("config"),
				EnvFileName: ctx.Path("env-file"),
				Log:         log,
			})
			if err != nil {
				return err
			}

			// inject the config into the cli context
			ctx.Context = conf.ContextWithConfig(ctx.Context, cfg)

			return nil
		},
		After: func(ctx *cli.Context) error {
			log, err := logging.LoggerFromContext(ctx.Context)
			if err != nil {
				return err
			}

			log.Sync()

			return nil
		},
	}
)

func init() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:               "version",
		Usage:              "print the version",
		DisableDefaultText: true,
	}
}

type ExecuteParams struct {
	Version  string
	Compiled time.Time
}

// Execute runs the root app and returns the process exit code.
func Execute(params ExecuteParams) int {
	rootApp.Version = params.Version
	rootApp.Compiled = params.Compiled

	return run(context.Background(), os.Args)
}

func run(ctx context.Context, args []string) int {
	err := rootApp.RunContext(ctx, args)
	if err == nil {
		return 0
	}

	// shell and cli exit errors carry their own exit code
	var exitErr *shell.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode
	}

	var cliErr cli.ExitCoder
	if errors.As(err, &cliErr) {
		fmt.Fprintln(os.Stderr, err.Error())
		return cliErr.ExitCode()
	}

	sentry.CaptureException(err)

	fmt.Fprintf(os.Stderr, "exit error: %s\n", err.Error())

	return 1
}

func createLogger(ctx *cli.Context) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Level:  ctx.String("log-level"),
		Format: ctx.String("log-format"),
		Fields: map[string]any{"app": appName},
	})
}
