package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lambda-feedback/sandcastle/sandcastle"
)

// getErrorStatusCode returns the status code for the given error.
func getErrorStatusCode(err error) int {
	if status, ok := wellKnownErrors[err]; ok {
		return status
	}

	var validationErr *validationError
	if errors.As(err, &validationErr) {
		if validationErr.Type == validationTypeRequest {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	}

	var scriptErr *sandcastle.ScriptError
	switch {
	case errors.As(err, &scriptErr),
		errors.Is(err, sandcastle.ErrMalformedPayload),
		errors.Is(err, sandcastle.ErrNoTaskHandler),
		errors.Is(err, ErrUnknownTask):
		return http.StatusUnprocessableEntity
	case errors.Is(err, sandcastle.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrNotStarted):
		return http.StatusServiceUnavailable
	}

	return http.StatusInternalServerError
}

type responseError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// newErrorResponse creates a new error response.
func newErrorResponse(err error) Response {
	statusCode := getErrorStatusCode(err)

	responseErr := responseError{
		Message: err.Error(),
	}

	var scriptErr *sandcastle.ScriptError
	if errors.As(err, &scriptErr) {
		responseErr.Message = scriptErr.Message
		responseErr.Stack = scriptErr.Stack
	}

	body, err := json.Marshal(struct {
		Error responseError `json:"error"`
	}{
		Error: responseErr,
	})
	if err != nil {
		return Response{StatusCode: http.StatusInternalServerError}
	}

	return newResponse(statusCode, body)
}

// newResponse creates a new response.
func newResponse(status int, body []byte) Response {
	header := make(http.Header)
	header.Add("Content-Type", "application/json")

	return Response{
		StatusCode: status,
		Body:       body,
		Header:     header,
	}
}
