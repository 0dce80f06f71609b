package runtime

import (
	"go.uber.org/fx"

	"github.com/lambda-feedback/sandcastle/sandcastle"
)

// Module provides a runtime module.
func Module(config Config, sandcastleConfig sandcastle.Config) fx.Option {
	return fx.Module(
		"runtime",

		// provide runtime config
		fx.Supply(config),

		// provide sandbox config
		fx.Supply(sandcastleConfig),

		// provide runtime
		fx.Provide(NewLifecycleRuntime),

		// provide runtime handler
		fx.Provide(NewRuntimeHandler),
	)
}
