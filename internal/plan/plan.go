// Package plan defines the generated workout plan and validates provider
// output against its JSON Schema.
package plan

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema/plan.schema.json
var schemaJSON []byte

const schemaURL = "plan.schema.json"

// ErrInvalidPlan is returned when generated output does not match the schema.
var ErrInvalidPlan = errors.New("invalid plan")

// Plan is an ordered sequence of training days.
type Plan struct {
	Plan []Day `json:"plan"`
}

// Day is one training session.
type Day struct {
	Day       string     `json:"day"`
	Focus     string     `json:"focus"`
	Exercises []Exercise `json:"exercises"`
}

// Exercise is a single movement. Rest is in seconds.
type Exercise struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Reps        float64 `json:"reps"`
	Sets        float64 `json:"sets"`
	Rest        float64 `json:"rest"`
}

var compiled = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("decode plan schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add plan schema: %w", err)
	}
	return c.Compile(schemaURL)
})

// Parse validates raw against the plan schema and decodes it.
func Parse(raw []byte) (*Plan, error) {
	sch, err := compiled()
	if err != nil {
		return nil, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: not JSON: %v", ErrInvalidPlan, err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}

	var p Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	return &p, nil
}

// FunctionParameters returns the schema in the shape expected as the
// parameters of a model function declaration.
func FunctionParameters() json.RawMessage {
	var m map[string]any
	if err := json.Unmarshal(schemaJSON, &m); err != nil {
		panic("plan: embedded schema is not valid JSON: " + err.Error())
	}
	delete(m, "$schema")
	b, _ := json.Marshal(m)
	return b
}
