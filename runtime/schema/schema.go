package schema

import (
	_ "embed"
	"encoding/json"

	"github.com/xeipuuv/gojsonschema"
)

// Schema validates JSON documents against an embedded schema.
type Schema struct {
	schema *gojsonschema.Schema
}

func new(loader gojsonschema.JSONLoader) (*Schema, error) {
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, err
	}

	return &Schema{schema: schema}, nil
}

// Validate validates raw JSON data.
func (s *Schema) Validate(data []byte) (*gojsonschema.Result, error) {
	return s.schema.Validate(gojsonschema.NewBytesLoader(data))
}

//go:embed request-run.json
var runRequest json.RawMessage
var runRequestLoader = gojsonschema.NewBytesLoader(runRequest)

func NewRequestSchema() (*Schema, error) {
	return new(runRequestLoader)
}

//go:embed response-run.json
var runResponse json.RawMessage
var runResponseLoader = gojsonschema.NewBytesLoader(runResponse)

func NewResponseSchema() (*Schema, error) {
	return new(runResponseLoader)
}
