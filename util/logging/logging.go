package logging

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	FormatProduction  = "production"
	FormatDevelopment = "development"
)

type Options struct {
	// Level is a zap level name. Unknown levels fall back to info.
	Level string

	// Format selects the production (JSON) or development (console)
	// encoder. Empty means production.
	Format string

	// Fields are attached to every entry.
	Fields map[string]any
}

// New builds the root logger. Output goes to stderr, which keeps stdout
// free for the readiness line of sandbox workers.
func New(opts Options) (*zap.Logger, error) {
	var config zap.Config
	if opts.Format == "" || opts.Format == FormatProduction {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(opts.Level)
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	config.Level = level
	config.InitialFields = opts.Fields
	config.OutputPaths = []string{"stderr"}

	return config.Build()
}

// DecorateLogger names the logger of an fx module.
func DecorateLogger(name string) fx.Option {
	return fx.Decorate(func(log *zap.Logger) *zap.Logger {
		return log.Named(name)
	})
}
