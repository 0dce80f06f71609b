package server

import "go.uber.org/fx"

// Module serves every route of the "handlers" group over HTTP.
func Module(config HttpConfig) fx.Option {
	return fx.Module("http",
		fx.Supply(config),
		fx.Provide(NewLifecycleServer),
		// force construction so the lifecycle hooks are registered
		fx.Invoke(func(*HttpServer) {}),
	)
}
