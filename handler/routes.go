package handler

import (
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lambda-feedback/sandcastle/internal/server"
)

func NewRunRoute(handler *RunHandler) server.HttpHandlerResult {
	return server.AsHttpHandler("/run", handler)
}

func NewHealthRoute(handler *HealthHandler) server.HttpHandlerResult {
	return server.AsHttpHandler("/health", handler)
}

func NewMetricsRoute() server.HttpHandlerResult {
	return server.AsHttpHandler("/metrics", promhttp.Handler())
}
