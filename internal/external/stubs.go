package external

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"fablecast/internal/types"
)

// Stub implementations allow the application to boot in local/test mode
// without real generator or email credentials. They log all actions and
// return predictable, safe values.

// StubGenerator implements StoryGenerator by returning a canned episode.
// Used when APP_ENV=local.
type StubGenerator struct {
	logger *slog.Logger
}

// NewStubGenerator creates a new StubGenerator.
func NewStubGenerator(logger *slog.Logger) *StubGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubGenerator{logger: logger}
}

func (s *StubGenerator) Generate(ctx context.Context, job *types.Job) (*types.GenerationResult, error) {
	s.logger.InfoContext(ctx, "stub: Generate called",
		"job_id", job.ID,
		"subject_id", job.SubjectID,
	)
	content, _ := json.Marshal(map[string]string{
		"title": "A Stub Episode",
		"body":  "Once upon a local environment, nothing was generated at all.",
	})
	return &types.GenerationResult{
		StoryID: fmt.Sprintf("story_stub_%s", job.ID),
		Content: content,
	}, nil
}

// StubEmailSender implements EmailSender by logging calls and returning a
// fake send ID. Used when APP_ENV=local.
type StubEmailSender struct {
	logger *slog.Logger
}

// NewStubEmailSender creates a new StubEmailSender.
func NewStubEmailSender(logger *slog.Logger) *StubEmailSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubEmailSender{logger: logger}
}

func (s *StubEmailSender) Send(ctx context.Context, input EmailInput) (string, error) {
	s.logger.InfoContext(ctx, "stub: Send email called",
		"to", input.To,
		"subject", input.Subject,
	)
	return fmt.Sprintf("send_stub_%s", input.ReferenceID), nil
}

var _ StoryGenerator = (*StubGenerator)(nil)
var _ EmailSender = (*StubEmailSender)(nil)
