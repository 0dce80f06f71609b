package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/lambda-feedback/sandcastle/config"
	"github.com/lambda-feedback/sandcastle/runtime"
	"github.com/lambda-feedback/sandcastle/sandcastle"
	"github.com/lambda-feedback/sandcastle/util/conf"
	"github.com/lambda-feedback/sandcastle/util/logging"
)

var (
	execCmdDescription = `The exec command runs a single script file in the sandbox and
prints the value it passed to exit as JSON. Tasks raised by
the script are answered by the built-in task handlers.`
	execCmd = &cli.Command{
		Name:        "exec",
		Usage:       "Run a script file once and print its result.",
		Description: execCmdDescription,
		ArgsUsage:   "<file>",
		Action:      execAction,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "method",
				Aliases: []string{"m"},
				Usage:   "the exported function to invoke.",
				Value:   "main",
			},
			&cli.StringFlag{
				Name:    "globals",
				Aliases: []string{"g"},
				Usage:   "a JSON object of global variables to bind.",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "override the execution timeout.",
			},
		},
	}
)

func execAction(ctx *cli.Context) error {
	log, err := logging.LoggerFromContext(ctx.Context)
	if err != nil {
		return err
	}

	cfg, err := conf.GetConfigFromContext[config.Config](ctx.Context)
	if err != nil {
		return err
	}

	file := ctx.Args().First()
	if file == "" {
		return cli.Exit("missing script file", 2)
	}

	source, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}

	var globals map[string]any
	if g := ctx.String("globals"); g != "" {
		if err := json.Unmarshal([]byte(g), &globals); err != nil {
			return fmt.Errorf("failed to parse globals: %w", err)
		}
	}

	castle, err := sandcastle.New(ctx.Context, sandcastle.Params{
		Config: cfg.Sandcastle,
		Log:    log,
	})
	if err != nil {
		return err
	}

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Sandcastle.Stop.Timeout+time.Second)
		defer cancel()

		if err := castle.Shutdown(stopCtx); err != nil {
			log.Warn("failed to shut down sandbox", zap.Error(err))
		}
	}()

	var opts []sandcastle.ScriptOption
	if timeout := ctx.Duration("timeout"); timeout > 0 {
		opts = append(opts, sandcastle.WithTimeout(timeout))
	}

	script, err := castle.CreateScript(string(source), opts...)
	if err != nil {
		return err
	}

	tasks := runtime.NewTaskRegistry()

	var g any
	if globals != nil {
		g = globals
	}

	res, err := script.Run(ctx.Context, ctx.String("method"), g, tasks.Handle)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(ctx.App.Writer)
	enc.SetIndent("", "  ")

	return enc.Encode(res)
}

func init() {
	rootApp.Commands = append(rootApp.Commands, execCmd)
}
