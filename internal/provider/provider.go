// Package provider calls the external generative model that produces plans.
package provider

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/plangate/plangate/internal/plan"
)

// ErrUpstream is returned when the model responds but not with a usable plan.
var ErrUpstream = errors.New("generation provider failed")

// Provider turns questionnaire answers into a validated plan.
type Provider interface {
	Generate(ctx context.Context, answers json.RawMessage) (*plan.Plan, error)
}
