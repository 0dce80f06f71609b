package handler

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/lambda-feedback/sandcastle/config"
	"github.com/lambda-feedback/sandcastle/internal/metrics"
	"github.com/lambda-feedback/sandcastle/runtime"
)

// apiKeyHeader carries the shared key when auth.key is configured.
const apiKeyHeader = "api-key"

type RunHandlerParams struct {
	fx.In

	Handler runtime.Handler
	Config  config.Config
	Log     *zap.Logger
}

// RunHandler serves POST /run. It reads the body, hands it to the
// runtime handler and writes back whatever response that produced.
type RunHandler struct {
	handler runtime.Handler
	apiKey  []byte
	log     *zap.Logger
}

func NewRunHandler(params RunHandlerParams) *RunHandler {
	return &RunHandler{
		handler: params.Handler,
		apiKey:  []byte(params.Config.Auth.Key),
		log:     params.Log.Named("run"),
	}
}

func (h *RunHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	log := h.log.With(
		zap.String("path", r.URL.Path),
		zap.String("method", r.Method),
	)

	if !h.authorized(r) {
		log.Debug("unauthorized request")
		h.fail(w, http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Debug("failed to read body", zap.Error(err))

		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(w, http.StatusRequestEntityTooLarge)
		} else {
			h.fail(w, http.StatusBadRequest)
		}
		return
	}

	response := h.handler.Handle(r.Context(), runtime.Request{
		Path:   r.URL.Path,
		Method: strings.ToUpper(r.Method),
		Header: r.Header,
		Body:   body,
	})

	for k, v := range response.Header {
		for _, vv := range v {
			w.Header().Add(k, vv)
		}
	}

	h.count(response.StatusCode)
	w.WriteHeader(response.StatusCode)

	if _, err := w.Write(response.Body); err != nil {
		log.Debug("failed to write response", zap.Error(err))
	}

	log.Debug("request handled",
		zap.Int("status", response.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)
}

func (h *RunHandler) authorized(r *http.Request) bool {
	if len(h.apiKey) == 0 {
		return true
	}

	key := []byte(r.Header.Get(apiKeyHeader))

	return subtle.ConstantTimeCompare(key, h.apiKey) == 1
}

func (h *RunHandler) fail(w http.ResponseWriter, status int) {
	h.count(status)
	http.Error(w, strings.ToLower(http.StatusText(status)), status)
}

func (h *RunHandler) count(status int) {
	metrics.Requests.WithLabelValues(strconv.Itoa(status)).Inc()
}
