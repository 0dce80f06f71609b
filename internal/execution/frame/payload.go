package frame

import (
	"encoding/json"
	"fmt"
)

// ScriptError is an error reported by the script itself, carried in the
// payload as {"error": {"message": ..., "stack": ...}}.
type ScriptError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *ScriptError) Error() string {
	return e.Message
}

// Encode serializes v as JSON and terminates it for the given kind.
func Encode(kind Kind, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", kind, err)
	}

	return Frame{Kind: kind, Payload: data}.Bytes(), nil
}

// Decode interprets a frame payload. The Undefined marker yields neither
// a result nor an error. A payload carrying a truthy error field yields
// a *ScriptError and no result. Invalid JSON yields ErrMalformedPayload
// wrapping the parser error.
func Decode(payload []byte) (any, error) {
	if string(payload) == Undefined {
		return nil, nil
	}

	var out any
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	obj, ok := out.(map[string]any)
	if !ok {
		return out, nil
	}

	if raw, ok := obj["error"]; ok && Truthy(raw) {
		return nil, newScriptError(raw)
	}

	return out, nil
}

func newScriptError(raw any) *ScriptError {
	switch v := raw.(type) {
	case map[string]any:
		e := &ScriptError{}
		if msg, ok := v["message"]; ok && msg != nil {
			e.Message = fmt.Sprint(msg)
		}
		if stack, ok := v["stack"].(string); ok {
			e.Stack = stack
		}
		return e
	case string:
		return &ScriptError{Message: v}
	default:
		return &ScriptError{Message: fmt.Sprint(v)}
	}
}

// Truthy mirrors the truthiness rules of the scripts exchanging payloads
// for values produced by encoding/json.
func Truthy(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v != ""
	default:
		return true
	}
}
