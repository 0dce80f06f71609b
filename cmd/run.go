package cmd

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/lambda-feedback/sandcastle/util/logging"
)

var (
	runCmdDescription = `The run command detects the execution environment from the
environment variables and starts sandcastle. This allows it
to be executed on arbitrary platforms, without having to
define the server configuration at buildtime.

If the AWS_LAMBDA_RUNTIME_API environment variable is set,
sandcastle will start the AWS Lambda runtime handler, matching
the behaviour of the lambda command.

Otherwise, sandcastle will start the standalone http server.
	`
	runCmd = &cli.Command{
		Name:        "run",
		Usage:       "Detect execution environment and start serving.",
		Description: runCmdDescription,
		Action:      runAction,
		Flags:       []cli.Flag{},
	}
)

func runAction(ctx *cli.Context) error {
	log, err := logging.LoggerFromContext(ctx.Context)
	if err != nil {
		return err
	}

	if isAWSLambda() {
		log.Info("detected AWS Lambda environment")
		return lambdaAction(ctx)
	}

	log.Info("detected standalone environment")
	return serveAction(ctx)
}

func isAWSLambda() bool {
	env, ok := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	return ok && env != ""
}

// mergeFlags concatenates flag sets, keeping the first flag of each name.
func mergeFlags(sets ...[]cli.Flag) []cli.Flag {
	seen := map[string]bool{}

	var merged []cli.Flag
	for _, set := range sets {
		for _, flag := range set {
			name := flag.Names()[0]
			if seen[name] {
				continue
			}
			seen[name] = true
			merged = append(merged, flag)
		}
	}

	return merged
}

func init() {
	runCmd.Flags = mergeFlags(runCmd.Flags, serveCmd.Flags, lambdaCmd.Flags)

	rootApp.Commands = append(rootApp.Commands, runCmd)
}
