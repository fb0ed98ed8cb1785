package external

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fablecast/internal/types"
)

func testJob() *types.Job {
	return &types.Job{
		ID:        "job_123",
		SubjectID: "sub_456",
		Status:    types.JobRunning,
		Payload: types.JobPayload{
			SchemaVersion: types.JobPayloadSchemaVersion,
			StoryBible:    json.RawMessage(`{"protagonist":"Mira"}`),
			Recipient:     "mira@example.com",
		},
	}
}

// newGeneratorForTest builds a GeneratorClient with no transparent retries,
// so each call maps to exactly one HTTP request.
func newGeneratorForTest(t *testing.T, serverURL string) *GeneratorClient {
	t.Helper()
	base := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"generator-test",
		types.ErrCodeUpstreamGenerator,
		RetryPolicy{MaxRetries: 0, MinWait: time.Millisecond, MaxWait: time.Millisecond},
		"Fablecast-Test/1.0",
		WithSleepFunc(noopSleep),
	)
	return NewGeneratorClientWithBase(base, GeneratorClientConfig{
		EndpointURL: serverURL,
		APIKey:      "gen-key",
	})
}

func TestGeneratorClient_Generate_Success(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody generateRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"story_id":"story_789","content":{"title":"Chapter One"},"metadata":{"model":"v2"}}`))
	}))
	defer server.Close()

	client := newGeneratorForTest(t, server.URL)

	result, err := client.Generate(context.Background(), testJob())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if gotPath != "/v1/generate" {
		t.Errorf("expected path /v1/generate, got %s", gotPath)
	}
	if gotAuth != "Bearer gen-key" {
		t.Errorf("expected bearer auth, got %q", gotAuth)
	}
	if gotBody.JobID != "job_123" || gotBody.SubjectID != "sub_456" {
		t.Errorf("request body missing job identity: %+v", gotBody)
	}
	if string(gotBody.StoryBible) != `{"protagonist":"Mira"}` {
		t.Errorf("story bible not forwarded: %s", gotBody.StoryBible)
	}

	if result.StoryID != "story_789" {
		t.Errorf("expected story_789, got %s", result.StoryID)
	}
	if string(result.Content) != `{"title":"Chapter One"}` {
		t.Errorf("unexpected content: %s", result.Content)
	}
	if result.Metadata["model"] != "v2" {
		t.Errorf("metadata not carried: %v", result.Metadata)
	}
}

func TestGeneratorClient_Generate_RejectionIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"story bible fails moderation"}`))
	}))
	defer server.Close()

	client := newGeneratorForTest(t, server.URL)

	_, err := client.Generate(context.Background(), testJob())
	if err == nil {
		t.Fatal("expected error for 422")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T: %v", err, err)
	}
	if appErr.Code != types.ErrCodeGenerationFailed {
		t.Errorf("expected %s, got %s", types.ErrCodeGenerationFailed, appErr.Code)
	}
	if appErr.Kind() != types.ErrorKindPermanent {
		t.Errorf("4xx rejection must be permanent, got %s", appErr.Kind())
	}
}

func TestGeneratorClient_Generate_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newGeneratorForTest(t, server.URL)

	_, err := client.Generate(context.Background(), testJob())
	if err == nil {
		t.Fatal("expected error for 502")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T: %v", err, err)
	}
	if appErr.Code != types.ErrCodeUpstreamGenerator {
		t.Errorf("expected %s, got %s", types.ErrCodeUpstreamGenerator, appErr.Code)
	}
	if !types.IsRetryable(err) {
		t.Error("5xx from the generator must be retryable")
	}
}

func TestGeneratorClient_Generate_EmptyEpisodeRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"story_id":"","content":null}`))
	}))
	defer server.Close()

	client := newGeneratorForTest(t, server.URL)

	_, err := client.Generate(context.Background(), testJob())
	if err == nil {
		t.Fatal("expected error for empty episode")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeGenerationFailed {
		t.Errorf("expected %s, got %v", types.ErrCodeGenerationFailed, err)
	}
}
