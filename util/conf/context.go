package conf

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNoConfigInContext = errors.New("config not found in context")
	ErrConfigType        = errors.New("unexpected config type in context")
)

type configKey struct{}

// ContextWithConfig stores a parsed config in ctx.
func ContextWithConfig[C any](ctx context.Context, config C) context.Context {
	return context.WithValue(ctx, configKey{}, config)
}

// GetConfigFromContext returns the config stored by ContextWithConfig.
// It fails if none was stored or if it is not a C.
func GetConfigFromContext[C any](ctx context.Context) (C, error) {
	var zero C

	value := ctx.Value(configKey{})
	if value == nil {
		return zero, ErrNoConfigInContext
	}

	config, ok := value.(C)
	if !ok {
		return zero, fmt.Errorf("%w: %T", ErrConfigType, value)
	}

	return config, nil
}
