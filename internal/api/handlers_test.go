package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reachinbox/courier/internal/core"
	"github.com/reachinbox/courier/internal/domain"
	"github.com/reachinbox/courier/internal/scheduler"
)

type fakeCore struct {
	healthy   bool
	submitErr error
	campaign  *domain.Campaign
	created   int

	view      *core.CampaignView
	getErr    error
	campaigns []domain.Campaign
	jobs      []domain.Job
	stats     domain.QueueStats

	lastInput scheduler.Input
}

func (f *fakeCore) Submit(ctx context.Context, in scheduler.Input) (*domain.Campaign, int, error) {
	f.lastInput = in
	if f.submitErr != nil {
		return nil, 0, f.submitErr
	}
	return f.campaign, f.created, nil
}

func (f *fakeCore) GetCampaign(ctx context.Context, owner, id string) (*core.CampaignView, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.view, nil
}

func (f *fakeCore) ListCampaigns(ctx context.Context, owner string) ([]domain.Campaign, error) {
	return f.campaigns, nil
}

func (f *fakeCore) ListTerminalJobs(ctx context.Context, owner string) ([]domain.Job, error) {
	return f.jobs, nil
}

func (f *fakeCore) QueueStats(ctx context.Context) (domain.QueueStats, error) {
	return f.stats, nil
}

func (f *fakeCore) Healthy() bool { return f.healthy }

func newTestServer(fc *fakeCore, checks map[string]HealthCheck) *Server {
	return NewServer(fc, checks)
}

func scheduleBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"subject":    "Hello",
		"body":       "<p>Hi</p>",
		"recipients": []string{"a@example.com"},
		"startTime":  "2025-06-01T12:00:00Z",
		"delayMs":    2000,
	})
	require.NoError(t, err)
	return body
}

func TestScheduleRequiresAuth(t *testing.T) {
	srv := newTestServer(&fakeCore{healthy: true}, nil)

	req := httptest.NewRequest(http.MethodPost, "/emails/schedule", bytes.NewReader(scheduleBody(t)))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestScheduleSuccess(t *testing.T) {
	fc := &fakeCore{
		healthy: true,
		campaign: &domain.Campaign{
			ID: "camp-1", TotalCount: 1, Status: domain.CampaignScheduled,
		},
		created: 1,
	}
	srv := newTestServer(fc, nil)

	req := httptest.NewRequest(http.MethodPost, "/emails/schedule", bytes.NewReader(scheduleBody(t)))
	req.Header.Set("x-user-id", "acct-1")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp scheduleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "camp-1", resp.ScheduleID)
	assert.Equal(t, 1, resp.TotalEmails)
	assert.Equal(t, "scheduled", resp.Status)
	assert.Equal(t, 1, resp.CreatedJobs)

	// The owner comes from the header, never the body.
	assert.Equal(t, "acct-1", fc.lastInput.Owner)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), fc.lastInput.StartTime.UTC())
}

func TestScheduleBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"subject": `},
		{"missing startTime", `{"subject":"s","body":"b","recipients":["a@example.com"]}`},
		{"bad startTime", `{"subject":"s","body":"b","recipients":["a@example.com"],"startTime":"tomorrow"}`},
	}

	srv := newTestServer(&fakeCore{healthy: true}, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/emails/schedule", bytes.NewBufferString(tt.body))
			req.Header.Set("x-user-id", "acct-1")
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestScheduleValidationErrorIs400(t *testing.T) {
	fc := &fakeCore{
		healthy:   true,
		submitErr: &scheduler.ValidationError{Field: "recipients", Reason: "at least one recipient required"},
	}
	srv := newTestServer(fc, nil)

	req := httptest.NewRequest(http.MethodPost, "/emails/schedule", bytes.NewReader(scheduleBody(t)))
	req.Header.Set("x-user-id", "acct-1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "recipients")
}

func TestScheduleUnhealthyIs503(t *testing.T) {
	srv := newTestServer(&fakeCore{healthy: false}, nil)

	req := httptest.NewRequest(http.MethodPost, "/emails/schedule", bytes.NewReader(scheduleBody(t)))
	req.Header.Set("x-user-id", "acct-1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetCampaign(t *testing.T) {
	fc := &fakeCore{
		healthy: true,
		view: &core.CampaignView{
			Campaign: domain.Campaign{ID: "camp-1", Owner: "acct-1", TotalCount: 2},
			Jobs: []domain.Job{
				{ID: "job-1", Recipient: "a@example.com", Status: domain.JobSent},
				{ID: "job-2", Recipient: "b@example.com", Status: domain.JobPending},
			},
		},
	}
	srv := newTestServer(fc, nil)

	req := httptest.NewRequest(http.MethodGet, "/emails/schedule/camp-1", nil)
	req.Header.Set("x-user-id", "acct-1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got core.CampaignView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "camp-1", got.ID)
	assert.Len(t, got.Jobs, 2)
}

func TestGetCampaignNotFound(t *testing.T) {
	fc := &fakeCore{healthy: true, getErr: core.ErrNotFound}
	srv := newTestServer(fc, nil)

	req := httptest.NewRequest(http.MethodGet, "/emails/schedule/nope", nil)
	req.Header.Set("x-user-id", "acct-1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListEndpointsReturnEmptyArrays(t *testing.T) {
	srv := newTestServer(&fakeCore{healthy: true}, nil)

	for _, path := range []string{"/emails/scheduled", "/emails/sent"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("x-user-id", "acct-1")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "[]\n", rec.Body.String(), "nil slices must render as []")
	}
}

func TestQueueStatus(t *testing.T) {
	fc := &fakeCore{
		healthy: true,
		stats:   domain.QueueStats{Waiting: 3, Active: 1, Delayed: 4, Completed: 10, Failed: 2},
	}
	srv := newTestServer(fc, nil)

	req := httptest.NewRequest(http.MethodGet, "/emails/queue/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, fc.stats, got)
}

func TestHealth(t *testing.T) {
	checks := map[string]HealthCheck{
		"postgres": func() error { return nil },
		"redis":    func() error { return nil },
	}
	srv := newTestServer(&fakeCore{healthy: true}, checks)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A failing dependency degrades the report.
	checks["redis"] = func() error { return fmt.Errorf("connection refused") }
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestHealthReportsHaltedWorkers(t *testing.T) {
	srv := newTestServer(&fakeCore{healthy: false}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "halted")
}
