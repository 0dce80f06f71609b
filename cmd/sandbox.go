package cmd

import (
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/lambda-feedback/sandcastle/internal/execution/runner"
	"github.com/lambda-feedback/sandcastle/util/logging"
)

var (
	sandboxCmdDescription = `The sandbox command runs the worker side of the sandbox. It
listens on a unix socket and runs every script it receives in
a fresh interpreter. Once it accepts connections it prints a
ready line to stdout.

The command is started by the supervisor and is not meant to
be invoked directly.`
	sandboxCmd = &cli.Command{
		Name:        "sandbox",
		Usage:       "Run the sandbox worker.",
		Description: sandboxCmdDescription,
		Hidden:      true,
		Action:      sandboxAction,
		Flags: []cli.Flag{
			&cli.PathFlag{
				Name:     "socket",
				Usage:    "the unix socket to listen on.",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "max-call-stack-size",
				Usage: "the maximum call stack depth of scripts.",
			},
		},
	}
)

func sandboxAction(ctx *cli.Context) error {
	log, err := logging.LoggerFromContext(ctx.Context)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	r := runner.New(runner.Config{
		Socket:           ctx.Path("socket"),
		UseStrict:        ctx.Bool("use-strict"),
		ExposeGC:         ctx.Bool("expose-gc"),
		MemoryLimitMB:    ctx.Int("max-old-space-size"),
		MaxCallStackSize: ctx.Int("max-call-stack-size"),
	}, log)

	return r.Run(runCtx, ctx.App.Writer)
}

func init() {
	rootApp.Commands = append(rootApp.Commands, sandboxCmd)
}
