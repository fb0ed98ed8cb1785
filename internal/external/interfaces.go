package external

import (
	"context"

	"fablecast/internal/types"
)

// StoryGenerator produces a story episode for a generation job. Calls are
// long-running (minutes); implementations must honor context cancellation.
type StoryGenerator interface {
	Generate(ctx context.Context, job *types.Job) (*types.GenerationResult, error)
}

// EmailInput is the provider-agnostic description of one outbound email.
type EmailInput struct {
	To      string
	Subject string
	HTML    string
	Text    string

	// ReferenceID correlates the send with the scheduled delivery row. It is
	// passed to the provider as a tag so bounces can be traced back.
	ReferenceID string
}

// EmailSender transmits one email and returns the provider's send ID.
type EmailSender interface {
	Send(ctx context.Context, input EmailInput) (string, error)
}
