package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestSchema(t *testing.T) {
	_, err := NewRequestSchema()
	if err != nil {
		t.Errorf("NewRequestSchema() returned an error: %v", err)
	}
}

func TestNewResponseSchema(t *testing.T) {
	_, err := NewResponseSchema()
	if err != nil {
		t.Errorf("NewResponseSchema() returned an error: %v", err)
	}
}

func TestRequestSchema_Validate(t *testing.T) {
	s, err := NewRequestSchema()
	require.NoError(t, err)

	tests := []struct {
		name  string
		data  string
		valid bool
	}{
		{"minimal", `{"source": "exports.main = function() {}"}`, true},
		{"full", `{"source": "x", "method": "run", "globals": {"a": 1}, "extra_api": "var b", "timeout_ms": 100}`, true},
		{"missing source", `{"method": "main"}`, false},
		{"empty source", `{"source": ""}`, false},
		{"invalid method", `{"source": "x", "method": "not a name"}`, false},
		{"globals not an object", `{"source": "x", "globals": [1]}`, false},
		{"zero timeout", `{"source": "x", "timeout_ms": 0}`, false},
		{"unknown field", `{"source": "x", "foo": 1}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Validate([]byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.valid, res.Valid(), res.Errors())
		})
	}
}

func TestRequestSchema_Validate_InvalidJSON(t *testing.T) {
	s, err := NewRequestSchema()
	require.NoError(t, err)

	_, err = s.Validate([]byte(`{`))
	assert.Error(t, err)
}
