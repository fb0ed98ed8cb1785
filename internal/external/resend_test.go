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

	"fablecast/internal/config"
	"fablecast/internal/types"
)

func newResendForTest(t *testing.T, serverURL string) *ResendClient {
	t.Helper()
	base := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"resend-test",
		types.ErrCodeUpstreamEmailProvider,
		RetryPolicy{MaxRetries: 0, MinWait: time.Millisecond, MaxWait: time.Millisecond},
		"Fablecast-Test/1.0",
		WithSleepFunc(noopSleep),
	)
	return NewResendClientWithBase(base, config.EmailConfig{
		ResendAPIKey: "re_test_key",
		FromAddress:  "stories@fablecast.io",
		FromName:     "Fablecast",
		BaseURL:      serverURL,
	}, nil)
}

func testEmailInput() EmailInput {
	return EmailInput{
		To:          "mira@example.com",
		Subject:     "Your daily episode",
		HTML:        "<p>Chapter One</p>",
		ReferenceID: "dlv_123",
	}
}

func TestResendClient_Send_Success(t *testing.T) {
	var gotPath, gotAuth string
	var gotPayload resendSendPayload

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotPayload)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"re_abc123"}`))
	}))
	defer server.Close()

	client := newResendForTest(t, server.URL)

	sendID, err := client.Send(context.Background(), testEmailInput())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if sendID != "re_abc123" {
		t.Errorf("expected re_abc123, got %s", sendID)
	}

	if gotPath != "/emails" {
		t.Errorf("expected path /emails, got %s", gotPath)
	}
	if gotAuth != "Bearer re_test_key" {
		t.Errorf("expected bearer auth, got %q", gotAuth)
	}
	if gotPayload.From != "Fablecast <stories@fablecast.io>" {
		t.Errorf("unexpected from: %s", gotPayload.From)
	}
	if len(gotPayload.To) != 1 || gotPayload.To[0] != "mira@example.com" {
		t.Errorf("unexpected to: %v", gotPayload.To)
	}
	if len(gotPayload.Tags) != 1 || gotPayload.Tags[0].Value != "dlv_123" {
		t.Errorf("reference tag not set: %v", gotPayload.Tags)
	}
}

func TestResendClient_Send_RejectionIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"name":"validation_error","message":"Invalid to address"}`))
	}))
	defer server.Close()

	client := newResendForTest(t, server.URL)

	_, err := client.Send(context.Background(), testEmailInput())
	if err == nil {
		t.Fatal("expected error for 422")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T: %v", err, err)
	}
	if appErr.Code != types.ErrCodeDeliverySendFailed {
		t.Errorf("expected %s, got %s", types.ErrCodeDeliverySendFailed, appErr.Code)
	}
	if types.IsRetryable(err) {
		t.Error("provider rejection must not be retryable")
	}
}

func TestResendClient_Send_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newResendForTest(t, server.URL)

	_, err := client.Send(context.Background(), testEmailInput())
	if err == nil {
		t.Fatal("expected error for 503")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T: %v", err, err)
	}
	if appErr.Code != types.ErrCodeUpstreamEmailProvider {
		t.Errorf("expected %s, got %s", types.ErrCodeUpstreamEmailProvider, appErr.Code)
	}
	if !types.IsRetryable(err) {
		t.Error("5xx from the provider must be retryable")
	}
}

func TestStubEmailSender_ReturnsReferenceTaggedID(t *testing.T) {
	stub := NewStubEmailSender(nil)
	id, err := stub.Send(context.Background(), testEmailInput())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if id != "send_stub_dlv_123" {
		t.Errorf("unexpected stub send id: %s", id)
	}
}
