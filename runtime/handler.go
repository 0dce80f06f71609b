package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/lambda-feedback/sandcastle/runtime/schema"
)

var (
	ErrInvalidMethod    = errors.New("invalid method")
	ErrSchemaNotFound   = errors.New("schema not found")
	ErrInvalidBody      = errors.New("invalid request body")
	ErrValidationFailed = errors.New("validation failed")
)

var wellKnownErrors = map[error]int{
	ErrInvalidMethod:    http.StatusMethodNotAllowed,
	ErrSchemaNotFound:   http.StatusInternalServerError,
	ErrInvalidBody:      http.StatusBadRequest,
	ErrValidationFailed: http.StatusBadRequest,
	ErrNotStarted:       http.StatusServiceUnavailable,
}

// HandlerParams defines the dependencies for the runtime handler.
type HandlerParams struct {
	fx.In

	Runtime Runtime

	Log *zap.Logger
}

// Request represents an incoming request.
type Request struct {
	Path   string
	Method string
	Body   []byte
	Header http.Header
}

// Response represents an outgoing response.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// Handler is the interface for handling runtime requests.
type Handler interface {
	Handle(ctx context.Context, request Request) Response
}

// RuntimeHandler is a runtime handler that uses a runtime to handle requests.
type RuntimeHandler struct {
	runtime Runtime

	schemas map[validationType]*schema.Schema

	log *zap.Logger
}

// NewRuntimeHandler creates a new runtime handler.
func NewRuntimeHandler(params HandlerParams) (Handler, error) {
	requestSchema, err := schema.NewRequestSchema()
	if err != nil {
		return nil, err
	}

	responseSchema, err := schema.NewResponseSchema()
	if err != nil {
		return nil, err
	}

	schemas := map[validationType]*schema.Schema{
		validationTypeRequest:  requestSchema,
		validationTypeResponse: responseSchema,
	}

	return &RuntimeHandler{
		runtime: params.Runtime,
		schemas: schemas,
		log:     params.Log.Named("runtime_handler"),
	}, nil
}

// Handle handles a run request.
func (h *RuntimeHandler) Handle(ctx context.Context, req Request) Response {
	log := h.log.With(
		zap.String("path", req.Path),
		zap.String("method", req.Method),
	)

	if req.Method != http.MethodPost {
		log.Debug("invalid method")
		return newErrorResponse(ErrInvalidMethod)
	}

	// Validate the request data against the request schema
	if err := h.validate(validationTypeRequest, req.Body); err != nil {
		return newErrorResponse(err)
	}

	var runReq RunRequest
	if err := json.Unmarshal(req.Body, &runReq); err != nil {
		log.Debug("failed to decode request", zap.Error(err))
		return newErrorResponse(ErrInvalidBody)
	}

	// Let the runtime run the script
	runRes, err := h.runtime.Handle(ctx, runReq)
	if err != nil {
		log.Debug("failed to run script", zap.Error(err))
		return newErrorResponse(err)
	}

	body, err := json.Marshal(runRes)
	if err != nil {
		log.Debug("failed to encode result", zap.Error(err))
		return newErrorResponse(err)
	}

	// Validate the response data against the response schema
	if err := h.validate(validationTypeResponse, body); err != nil {
		return newErrorResponse(err)
	}

	return newResponse(http.StatusOK, body)
}
