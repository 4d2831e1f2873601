package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/reachinbox/courier/internal/core"
	"github.com/reachinbox/courier/internal/domain"
	"github.com/reachinbox/courier/internal/scheduler"
)

// Handlers holds the HTTP handler set and its dependencies.
type Handlers struct {
	core   Core
	checks map[string]HealthCheck
}

type scheduleRequest struct {
	Subject     string              `json:"subject"`
	Body        string              `json:"body"`
	Recipients  []string            `json:"recipients"`
	StartTime   string              `json:"startTime"`
	DelayMs     int64               `json:"delayMs"`
	HourlyLimit int                 `json:"hourlyLimit"`
	Attachments []attachmentRequest `json:"attachments"`
}

type attachmentRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"content"` // base64 over the wire
}

type scheduleResponse struct {
	ScheduleID  string `json:"scheduleId"`
	TotalEmails int    `json:"totalEmails"`
	Status      string `json:"status"`
	CreatedJobs int    `json:"createdJobs"`
}

// Schedule handles POST /emails/schedule.
func (h *Handlers) Schedule(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get("x-user-id")
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "x-user-id header required")
		return
	}
	if !h.core.Healthy() {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	startTime, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "startTime must be ISO-8601 UTC")
		return
	}

	attachments := make([]domain.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		attachments = append(attachments, domain.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Content:     a.Content,
		})
	}

	campaign, created, err := h.core.Submit(r.Context(), scheduler.Input{
		Owner:       owner,
		Subject:     req.Subject,
		Body:        req.Body,
		Recipients:  req.Recipients,
		StartTime:   startTime,
		DelayMs:     req.DelayMs,
		HourlyLimit: req.HourlyLimit,
		Attachments: attachments,
	})
	if err != nil {
		var vErr *scheduler.ValidationError
		if errors.As(err, &vErr) {
			writeError(w, http.StatusBadRequest, vErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to schedule campaign")
		return
	}

	writeJSON(w, http.StatusCreated, scheduleResponse{
		ScheduleID:  campaign.ID,
		TotalEmails: campaign.TotalCount,
		Status:      string(campaign.Status),
		CreatedJobs: created,
	})
}

// GetCampaign handles GET /emails/schedule/{id}.
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get("x-user-id")
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "x-user-id header required")
		return
	}

	view, err := h.core.GetCampaign(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			writeError(w, http.StatusNotFound, "campaign not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to read campaign")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ListScheduled handles GET /emails/scheduled.
func (h *Handlers) ListScheduled(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get("x-user-id")
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "x-user-id header required")
		return
	}

	campaigns, err := h.core.ListCampaigns(r.Context(), owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list campaigns")
		return
	}
	if campaigns == nil {
		campaigns = []domain.Campaign{}
	}
	writeJSON(w, http.StatusOK, campaigns)
}

// ListSent handles GET /emails/sent.
func (h *Handlers) ListSent(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get("x-user-id")
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "x-user-id header required")
		return
	}

	jobs, err := h.core.ListTerminalJobs(r.Context(), owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// QueueStatus handles GET /emails/queue/status.
func (h *Handlers) QueueStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := h.core.QueueStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Health handles GET /health: liveness plus named dependency probes.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			deps[name] = "ok"
		}
	}
	if !h.core.Healthy() {
		deps["workers"] = "halted"
		status = http.StatusServiceUnavailable
	}

	body := map[string]interface{}{"status": "ok", "deps": deps}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
