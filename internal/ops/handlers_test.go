package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fablecast/internal/config"
	"fablecast/internal/types"
)

type mockJobsReader struct {
	jobs     map[string]*types.Job
	recent   []*types.Job
	stats    *types.QueueStats
	statsErr error
	aborted  map[string]string
	abortErr error
}

func newMockJobsReader() *mockJobsReader {
	return &mockJobsReader{
		jobs:    make(map[string]*types.Job),
		aborted: make(map[string]string),
	}
}

func (m *mockJobsReader) GetByID(_ context.Context, id string) (*types.Job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
	}
	return j, nil
}

func (m *mockJobsReader) ListRecent(_ context.Context, _ int) ([]*types.Job, error) {
	return m.recent, nil
}

func (m *mockJobsReader) GetQueueStats(_ context.Context) (*types.QueueStats, error) {
	return m.stats, m.statsErr
}

func (m *mockJobsReader) Abort(_ context.Context, id string, reason string) error {
	if m.abortErr != nil {
		return m.abortErr
	}
	m.aborted[id] = reason
	return nil
}

type mockDeliveriesReader struct {
	stats    *types.DeliveryStats
	upcoming []*types.ScheduledDelivery
	within   time.Duration
}

func (m *mockDeliveriesReader) GetStats(_ context.Context) (*types.DeliveryStats, error) {
	return m.stats, nil
}

func (m *mockDeliveriesReader) GetUpcoming(_ context.Context, within time.Duration, _ int) ([]*types.ScheduledDelivery, error) {
	m.within = within
	return m.upcoming, nil
}

type mockEnqueuer struct {
	job *types.Job
	err error
	got string
}

func (m *mockEnqueuer) EnqueueNow(_ context.Context, subjectID string) (*types.Job, error) {
	m.got = subjectID
	return m.job, m.err
}

func newTestServer(jobs *mockJobsReader, dlv *mockDeliveriesReader, enq *mockEnqueuer, adminKey string) *httptest.Server {
	cfg := &config.Config{}
	cfg.Server.AdminAPIKey = adminKey
	srv := NewServer(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil, NewHandler(jobs, dlv, enq))
	return httptest.NewServer(srv.Handler())
}

func doJSON(t *testing.T, method, url, key, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	resp.Body.Close()
	return resp, decoded
}

func TestGetJobStatus_ProjectsJobFields(t *testing.T) {
	jobs := newMockJobsReader()
	jobs.jobs["job_1"] = &types.Job{
		ID:              "job_1",
		Status:          types.JobRunning,
		CurrentStep:     "generating",
		ProgressPercent: 40,
	}
	server := newTestServer(jobs, &mockDeliveriesReader{}, &mockEnqueuer{}, "secret")
	defer server.Close()

	resp, body := doJSON(t, http.MethodGet, server.URL+"/v1/jobs/job_1", "secret", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	data := body["data"].(map[string]any)
	if data["job_id"] != "job_1" || data["status"] != "running" {
		t.Errorf("unexpected projection: %v", data)
	}
	if data["current_step"] != "generating" || data["progress_percent"] != float64(40) {
		t.Errorf("progress fields missing: %v", data)
	}
	if _, leaked := data["payload"]; leaked {
		t.Error("projection must not expose the payload")
	}
}

func TestGetJobStatus_NotFound(t *testing.T) {
	server := newTestServer(newMockJobsReader(), &mockDeliveriesReader{}, &mockEnqueuer{}, "secret")
	defer server.Close()

	resp, body := doJSON(t, http.MethodGet, server.URL+"/v1/jobs/job_missing", "secret", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	errDetail := body["error"].(map[string]any)
	if errDetail["code"] != string(types.ErrCodeNotFoundJob) {
		t.Errorf("code = %v", errDetail["code"])
	}
	if errDetail["request_id"] == "" {
		t.Error("error responses must carry a request id")
	}
}

func TestEnqueueJob_CreatesJob(t *testing.T) {
	enq := &mockEnqueuer{job: &types.Job{ID: "manual_abc", SubjectID: "sub_1", Status: types.JobPending}}
	server := newTestServer(newMockJobsReader(), &mockDeliveriesReader{}, enq, "secret")
	defer server.Close()

	resp, body := doJSON(t, http.MethodPost, server.URL+"/v1/jobs", "secret", `{"subject_id":"sub_1"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if enq.got != "sub_1" {
		t.Errorf("enqueued subject = %s", enq.got)
	}
	data := body["data"].(map[string]any)
	if data["id"] != "manual_abc" {
		t.Errorf("unexpected job in response: %v", data)
	}
}

func TestEnqueueJob_MissingSubjectRejected(t *testing.T) {
	server := newTestServer(newMockJobsReader(), &mockDeliveriesReader{}, &mockEnqueuer{}, "secret")
	defer server.Close()

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/v1/jobs", "secret", `{"subject_id":""}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestEnqueueJob_ActiveConflictMapsTo409(t *testing.T) {
	enq := &mockEnqueuer{err: types.NewAppError(types.ErrCodeConflictActiveJob, "subject already has an active job", nil)}
	server := newTestServer(newMockJobsReader(), &mockDeliveriesReader{}, enq, "secret")
	defer server.Close()

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/v1/jobs", "secret", `{"subject_id":"sub_1"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestEnqueueJob_QuotaExhaustedMapsTo402(t *testing.T) {
	enq := &mockEnqueuer{err: types.NewAppError(types.ErrCodeQuotaExhausted, "no credits available", nil)}
	server := newTestServer(newMockJobsReader(), &mockDeliveriesReader{}, enq, "secret")
	defer server.Close()

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/v1/jobs", "secret", `{"subject_id":"sub_1"}`)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}
}

func TestAbortJob_RecordsReason(t *testing.T) {
	jobs := newMockJobsReader()
	server := newTestServer(jobs, &mockDeliveriesReader{}, &mockEnqueuer{}, "secret")
	defer server.Close()

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/v1/jobs/job_1/abort", "secret", `{"reason":"operator request"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if jobs.aborted["job_1"] != "operator request" {
		t.Errorf("abort reason not passed: %v", jobs.aborted)
	}
}

func TestAbortJob_TerminalJobMapsTo409(t *testing.T) {
	jobs := newMockJobsReader()
	jobs.abortErr = types.NewAppError(types.ErrCodeConflictClaimed, "job is not active", nil)
	server := newTestServer(jobs, &mockDeliveriesReader{}, &mockEnqueuer{}, "secret")
	defer server.Close()

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/v1/jobs/job_1/abort", "secret", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestGetQueueStats(t *testing.T) {
	jobs := newMockJobsReader()
	jobs.stats = &types.QueueStats{PendingCount: 3, RunningCount: 1, CompletedToday: 12, FailedToday: 2}
	server := newTestServer(jobs, &mockDeliveriesReader{}, &mockEnqueuer{}, "secret")
	defer server.Close()

	resp, body := doJSON(t, http.MethodGet, server.URL+"/v1/stats/queue", "secret", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	data := body["data"].(map[string]any)
	if data["pending_count"] != float64(3) || data["completed_today"] != float64(12) {
		t.Errorf("unexpected stats: %v", data)
	}
}

func TestGetQueueStats_DBErrorMapsTo500(t *testing.T) {
	jobs := newMockJobsReader()
	jobs.statsErr = types.NewAppError(types.ErrCodeInternalDB, "query failed", errors.New("conn refused"))
	server := newTestServer(jobs, &mockDeliveriesReader{}, &mockEnqueuer{}, "secret")
	defer server.Close()

	resp, _ := doJSON(t, http.MethodGet, server.URL+"/v1/stats/queue", "secret", "")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
}

func TestGetUpcomingDeliveries_ParsesWithin(t *testing.T) {
	dlv := &mockDeliveriesReader{upcoming: []*types.ScheduledDelivery{{ID: "dlv_1"}}}
	server := newTestServer(newMockJobsReader(), dlv, &mockEnqueuer{}, "secret")
	defer server.Close()

	resp, _ := doJSON(t, http.MethodGet, server.URL+"/v1/deliveries/upcoming?within=30m", "secret", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if dlv.within != 30*time.Minute {
		t.Errorf("within = %v, want 30m", dlv.within)
	}
}

func TestGetUpcomingDeliveries_BadDurationRejected(t *testing.T) {
	server := newTestServer(newMockJobsReader(), &mockDeliveriesReader{}, &mockEnqueuer{}, "secret")
	defer server.Close()

	resp, _ := doJSON(t, http.MethodGet, server.URL+"/v1/deliveries/upcoming?within=yesterday", "secret", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAuth_MissingKeyRejected(t *testing.T) {
	server := newTestServer(newMockJobsReader(), &mockDeliveriesReader{}, &mockEnqueuer{}, "secret")
	defer server.Close()

	resp, _ := doJSON(t, http.MethodGet, server.URL+"/v1/stats/queue", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAuth_WrongKeyRejected(t *testing.T) {
	server := newTestServer(newMockJobsReader(), &mockDeliveriesReader{}, &mockEnqueuer{}, "secret")
	defer server.Close()

	resp, _ := doJSON(t, http.MethodGet, server.URL+"/v1/stats/queue", "wrong", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHealthz_NoAuthRequired(t *testing.T) {
	server := newTestServer(newMockJobsReader(), &mockDeliveriesReader{}, &mockEnqueuer{}, "secret")
	defer server.Close()

	resp, body := doJSON(t, http.MethodGet, server.URL+"/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestRequestID_EchoedAndGenerated(t *testing.T) {
	server := newTestServer(newMockJobsReader(), &mockDeliveriesReader{}, &mockEnqueuer{}, "")
	defer server.Close()

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "req-provided")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "req-provided" {
		t.Errorf("provided request id not echoed, got %q", got)
	}

	resp2, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp2.Body.Close()
	if resp2.Header.Get("X-Request-ID") == "" {
		t.Error("request id not generated")
	}
}
