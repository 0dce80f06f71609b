package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/fx"

	"github.com/lambda-feedback/sandcastle/runtime"
)

type HealthHandlerParams struct {
	fx.In

	Runtime runtime.Runtime
}

// HealthHandler reports whether the sandbox worker is ready.
type HealthHandler struct {
	runtime runtime.Runtime
}

func NewHealthHandler(params HealthHandlerParams) *HealthHandler {
	return &HealthHandler{runtime: params.Runtime}
}

type healthResponse struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res := healthResponse{Status: "ok", Ready: h.runtime.Ready()}

	status := http.StatusOK
	if !res.Ready {
		res.Status = "starting"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(res)
}
