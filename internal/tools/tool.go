package tools

import (
	"context"

	"github.com/rendis/opflow/pkg/schema"
)

// Tool is a named capability a tool step can invoke.
type Tool interface {
	Name() string
	Describe() Info
	Validate(params map[string]any) error
	Run(ctx context.Context, params map[string]any) (*Output, error)
}

// Info is a summary of a registered tool for listing.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Output is the result of one tool invocation.
type Output struct {
	Result  any           `json:"result"`
	Summary string        `json:"summary,omitempty"`
	Usage   *schema.Usage `json:"usage,omitempty"`
}
