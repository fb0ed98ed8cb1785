package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"fablecast/internal/types"
)

// GeneratorClientConfig holds the configuration for creating a GeneratorClient.
type GeneratorClientConfig struct {
	EndpointURL string
	APIKey      string
	Logger      *slog.Logger
}

// GeneratorClient implements StoryGenerator against the story generation
// service's HTTP API through BaseClient, so generation calls share the
// platform's resilience infrastructure (circuit breaker, retries, error
// mapping) and are easy to test with httptest.
//
// Generation runs for minutes, so the retry budget here is deliberately
// small: one transparent retry, then the failure surfaces to the worker,
// which owns the durable retry ledger on the job row.
type GeneratorClient struct {
	base    *BaseClient
	apiKey  string
	baseURL string
	logger  *slog.Logger
}

// NewGeneratorClient creates a new GeneratorClient. The httpClient timeout
// bounds a single generation attempt and should come from the generator
// config (default 10 minutes).
func NewGeneratorClient(httpClient *http.Client, cfg GeneratorClientConfig) *GeneratorClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"generator",
		types.ErrCodeUpstreamGenerator,
		RetryPolicy{
			MaxRetries: 1,
			MinWait:    2 * time.Second,
			MaxWait:    10 * time.Second,
		},
		"Fablecast/1.0",
		WithSleepFunc(time.Sleep),
	)

	return &GeneratorClient{
		base:    base,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(cfg.EndpointURL, "/"),
		logger:  logger,
	}
}

// NewGeneratorClientWithBase creates a GeneratorClient with a pre-configured
// BaseClient, for tests that need to control retry or breaker behavior.
func NewGeneratorClientWithBase(base *BaseClient, cfg GeneratorClientConfig) *GeneratorClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GeneratorClient{
		base:    base,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(cfg.EndpointURL, "/"),
		logger:  logger,
	}
}

// generateRequest is the JSON body sent to the generation service.
type generateRequest struct {
	JobID         string          `json:"job_id"`
	SubjectID     string          `json:"subject_id"`
	SchemaVersion int             `json:"schema_version"`
	StoryBible    json.RawMessage `json:"story_bible"`
}

// generateResponse is the JSON body returned on success.
type generateResponse struct {
	StoryID  string          `json:"story_id"`
	Content  json.RawMessage `json:"content"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// Generate runs one generation attempt for the job and returns the produced
// episode.
//
// Error mapping:
//   - 429 / 5xx / network -> handled by BaseClient (transient upstream codes)
//   - other 4xx -> types.ErrCodeGenerationFailed (permanent; bad input will
//     not get better on retry)
func (g *GeneratorClient) Generate(ctx context.Context, job *types.Job) (*types.GenerationResult, error) {
	body, err := json.Marshal(generateRequest{
		JobID:         job.ID,
		SubjectID:     job.SubjectID,
		SchemaVersion: job.Payload.SchemaVersion,
		StoryBible:    job.Payload.StoryBible,
	})
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to marshal generation request",
			err,
		)
	}

	reqURL := g.baseURL + "/v1/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create generation request",
			err,
		)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	start := time.Now()
	resp, err := g.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, g.handleErrorResponse(resp, job.ID)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamGenerator,
			"generation service returned an unreadable response body",
			err,
		)
	}
	if out.StoryID == "" || len(out.Content) == 0 {
		return nil, types.NewAppError(
			types.ErrCodeGenerationFailed,
			"generation service returned an empty episode",
			nil,
		)
	}

	g.logger.InfoContext(ctx, "generation complete",
		"job_id", job.ID,
		"story_id", out.StoryID,
		"duration", time.Since(start).String(),
	)

	return &types.GenerationResult{
		StoryID:  out.StoryID,
		Content:  out.Content,
		Metadata: out.Metadata,
	}, nil
}

// generatorErrorResponse is the JSON error body returned by the generation
// service.
type generatorErrorResponse struct {
	Error string `json:"error"`
}

func (g *GeneratorClient) handleErrorResponse(resp *http.Response, jobID string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeGenerationFailed,
			fmt.Sprintf("generation service returned status %d and response body was unreadable", resp.StatusCode),
			readErr,
		)
	}

	var genErr generatorErrorResponse
	errMsg := string(body)
	if jsonErr := json.Unmarshal(body, &genErr); jsonErr == nil && genErr.Error != "" {
		errMsg = genErr.Error
	}

	return types.NewAppError(
		types.ErrCodeGenerationFailed,
		fmt.Sprintf("generation rejected for job %s (%d): %s", jobID, resp.StatusCode, errMsg),
		nil,
	)
}

var _ StoryGenerator = (*GeneratorClient)(nil)
