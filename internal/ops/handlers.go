package ops

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"fablecast/internal/types"
)

// JobsReader defines the job read and control operations the handlers use.
// Mirrors the concrete db.JobRepository methods this surface needs.
type JobsReader interface {
	GetByID(ctx context.Context, id string) (*types.Job, error)
	ListRecent(ctx context.Context, limit int) ([]*types.Job, error)
	GetQueueStats(ctx context.Context) (*types.QueueStats, error)
	Abort(ctx context.Context, id string, reason string) error
}

// DeliveriesReader provides delivery statistics and upcoming sends.
type DeliveriesReader interface {
	GetStats(ctx context.Context) (*types.DeliveryStats, error)
	GetUpcoming(ctx context.Context, within time.Duration, limit int) ([]*types.ScheduledDelivery, error)
}

// Enqueuer creates a job outside the scheduled window, delivered immediately
// on completion.
type Enqueuer interface {
	EnqueueNow(ctx context.Context, subjectID string) (*types.Job, error)
}

// Handler holds the dependencies for the ops endpoints.
type Handler struct {
	jobs       JobsReader
	deliveries DeliveriesReader
	enqueuer   Enqueuer
}

// NewHandler creates the ops Handler.
func NewHandler(jobs JobsReader, deliveries DeliveriesReader, enqueuer Enqueuer) *Handler {
	return &Handler{jobs: jobs, deliveries: deliveries, enqueuer: enqueuer}
}

// Routes mounts the ops endpoints on the router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/jobs", h.ListRecentJobs)
	r.Post("/jobs", h.EnqueueJob)
	r.Get("/jobs/{jobID}", h.GetJobStatus)
	r.Post("/jobs/{jobID}/abort", h.AbortJob)
	r.Get("/stats/queue", h.GetQueueStats)
	r.Get("/stats/deliveries", h.GetDeliveryStats)
	r.Get("/deliveries/upcoming", h.GetUpcomingDeliveries)
}

// GetJobStatus serves the read-only status projection for one job.
func (h *Handler) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := h.jobs.GetByID(r.Context(), jobID)
	if err != nil {
		Error(w, r, err)
		return
	}

	JSON(w, r, http.StatusOK, APIResponse{Data: types.JobStatusProjection{
		JobID:           job.ID,
		Status:          job.Status,
		CurrentStep:     job.CurrentStep,
		ProgressPercent: job.ProgressPercent,
		ErrorMessage:    job.ErrorMessage,
	}})
}

// ListRecentJobs returns the most recently created jobs, newest first.
func (h *Handler) ListRecentJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50, 200)

	jobs, err := h.jobs.ListRecent(r.Context(), limit)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: jobs})
}

// EnqueueJobRequest is the request body for POST /v1/jobs.
type EnqueueJobRequest struct {
	SubjectID string `json:"subject_id"`
}

// EnqueueJob creates a job for a subject outside the scheduled window. The
// resulting episode is delivered as soon as generation completes.
func (h *Handler) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req EnqueueJobRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	if req.SubjectID == "" {
		Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"subject_id is required",
			nil,
		))
		return
	}

	job, err := h.enqueuer.EnqueueNow(r.Context(), req.SubjectID)
	if err != nil {
		Error(w, r, err)
		return
	}

	JSON(w, r, http.StatusCreated, APIResponse{Data: job})
}

// AbortJob terminates an active job. Completed and failed jobs cannot be
// aborted.
func (h *Handler) AbortJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	var req struct {
		Reason string `json:"reason"`
	}
	// The body is optional; a missing reason uses the repository default.
	if r.ContentLength > 0 {
		if err := DecodeJSON(w, r, &req); err != nil {
			Error(w, r, err)
			return
		}
	}

	if err := h.jobs.Abort(r.Context(), jobID, req.Reason); err != nil {
		Error(w, r, err)
		return
	}

	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]string{
		"job_id": jobID,
		"status": string(types.JobFailed),
	}})
}

// GetQueueStats serves aggregate generation queue counts.
func (h *Handler) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.jobs.GetQueueStats(r.Context())
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: stats})
}

// GetDeliveryStats serves aggregate delivery queue counts.
func (h *Handler) GetDeliveryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deliveries.GetStats(r.Context())
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: stats})
}

// GetUpcomingDeliveries lists deliveries scheduled within the requested
// horizon (default one hour).
func (h *Handler) GetUpcomingDeliveries(w http.ResponseWriter, r *http.Request) {
	within := time.Hour
	if raw := r.URL.Query().Get("within"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			Error(w, r, types.NewAppError(
				types.ErrCodeValidationInvalidTime,
				"within must be a positive duration such as 30m or 2h",
				err,
			))
			return
		}
		within = parsed
	}
	limit := parseLimit(r, 100, 500)

	upcoming, err := h.deliveries.GetUpcoming(r.Context(), within, limit)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: upcoming})
}

// parseLimit reads a limit query parameter, clamped to (0, max].
func parseLimit(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
