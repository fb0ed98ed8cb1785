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

	"fablecast/internal/config"
	"fablecast/internal/types"
)

// resendAPIBase is the default Resend API base URL.
// Overridable in tests via EmailConfig.BaseURL.
const resendAPIBase = "https://api.resend.com"

// ResendClient implements EmailSender by making direct HTTP calls to the
// Resend Emails API through BaseClient. This routes every send through the
// platform's resilience infrastructure (circuit breaker, retries, error
// mapping) and makes testing with httptest straightforward.
type ResendClient struct {
	base     *BaseClient
	apiKey   string
	baseURL  string
	fromAddr string
	fromName string
	logger   *slog.Logger
}

// NewResendClient creates a new ResendClient. The httpClient timeout should
// be short (seconds); a send either lands quickly or is retried by the
// delivery dispatcher.
func NewResendClient(httpClient *http.Client, cfg config.EmailConfig, logger *slog.Logger) *ResendClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = resendAPIBase
	}
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"resend",
		types.ErrCodeUpstreamEmailProvider,
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"Fablecast/1.0",
		WithSleepFunc(time.Sleep),
	)

	return &ResendClient{
		base:     base,
		apiKey:   cfg.ResendAPIKey,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		fromAddr: cfg.FromAddress,
		fromName: cfg.FromName,
		logger:   logger,
	}
}

// NewResendClientWithBase creates a ResendClient with a pre-configured
// BaseClient, for tests that need to control retry or breaker behavior.
func NewResendClientWithBase(base *BaseClient, cfg config.EmailConfig, logger *slog.Logger) *ResendClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = resendAPIBase
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResendClient{
		base:     base,
		apiKey:   cfg.ResendAPIKey,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		fromAddr: cfg.FromAddress,
		fromName: cfg.FromName,
		logger:   logger,
	}
}

// resendSendPayload is the Resend POST /emails request body.
type resendSendPayload struct {
	From    string          `json:"from"`
	To      []string        `json:"to"`
	Subject string          `json:"subject"`
	HTML    string          `json:"html,omitempty"`
	Text    string          `json:"text,omitempty"`
	Tags    []resendTag     `json:"tags,omitempty"`
}

type resendTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// resendSendResponse is the Resend success body.
type resendSendResponse struct {
	ID string `json:"id"`
}

// Send transmits one email via Resend's POST /emails endpoint and returns
// the provider's email ID on success.
//
// Error mapping:
//   - 429 Too Many Requests -> handled by BaseClient (retry + ErrCodeUpstreamRateLimited)
//   - 5xx -> handled by BaseClient (retry + ErrCodeUpstreamEmailProvider)
//   - Other 4xx -> types.ErrCodeDeliverySendFailed (permanent; bad recipient
//     or payload will not get better on retry)
func (r *ResendClient) Send(ctx context.Context, input EmailInput) (string, error) {
	payload := resendSendPayload{
		From:    fmt.Sprintf("%s <%s>", r.fromName, r.fromAddr),
		To:      []string{input.To},
		Subject: input.Subject,
		HTML:    input.HTML,
		Text:    input.Text,
	}
	if input.ReferenceID != "" {
		payload.Tags = []resendTag{{Name: "reference_id", Value: input.ReferenceID}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to marshal Resend email payload",
			err,
		)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create Resend send request",
			err,
		)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.base.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var out resendSendResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			// The send likely landed but we cannot prove it; surface as
			// transient so the dispatcher's desync handling decides.
			return "", types.NewAppError(
				types.ErrCodeUpstreamEmailProvider,
				"Resend returned an unreadable success body",
				err,
			)
		}
		return out.ID, nil
	}

	return "", r.handleErrorResponse(resp, input.ReferenceID)
}

// resendErrorResponse is the JSON error body returned by Resend.
type resendErrorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (r *ResendClient) handleErrorResponse(resp *http.Response, referenceID string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeDeliverySendFailed,
			fmt.Sprintf("Resend returned status %d and response body was unreadable", resp.StatusCode),
			readErr,
		)
	}

	var resendErr resendErrorResponse
	errMsg := string(body)
	if jsonErr := json.Unmarshal(body, &resendErr); jsonErr == nil && resendErr.Message != "" {
		errMsg = resendErr.Message
	}

	return types.NewAppError(
		types.ErrCodeDeliverySendFailed,
		fmt.Sprintf("Resend rejected delivery %s (%d): %s", referenceID, resp.StatusCode, errMsg),
		nil,
	)
}

var _ EmailSender = (*ResendClient)(nil)
