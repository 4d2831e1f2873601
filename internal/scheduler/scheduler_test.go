package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reachinbox/courier/internal/domain"
	"github.com/reachinbox/courier/internal/store"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.now = c.now.Add(d)
	return ctx.Err()
}

type fakeStore struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign
	jobs      map[string][]domain.Job
	failWith  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaigns: make(map[string]*domain.Campaign),
		jobs:      make(map[string][]domain.Job),
	}
}

func (f *fakeStore) CreateCampaignWithJobs(ctx context.Context, c *domain.Campaign, jobs []domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	if _, exists := f.campaigns[c.ID]; exists {
		return store.ErrAlreadyExists
	}
	cp := *c
	f.campaigns[c.ID] = &cp
	f.jobs[c.ID] = append([]domain.Job(nil), jobs...)
	return nil
}

func (f *fakeStore) ReadCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

type fakeQueue struct {
	enqueued map[string]time.Time
}

func newFakeQueue() *fakeQueue { return &fakeQueue{enqueued: make(map[string]time.Time)} }

func (f *fakeQueue) Enqueue(jobID string, due time.Time) { f.enqueued[jobID] = due }

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func validInput() Input {
	return Input{
		Owner:      "acct-1",
		Subject:    "Summer launch",
		Body:       "<p>Hello</p>",
		Recipients: []string{"a@example.com", "b@example.com"},
		StartTime:  t0.Add(time.Hour),
		DelayMs:    2000,
	}
}

func TestSubmitValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Input)
		field  string
	}{
		{"missing owner", func(in *Input) { in.Owner = " " }, "owner"},
		{"missing subject", func(in *Input) { in.Subject = "" }, "subject"},
		{"missing body", func(in *Input) { in.Body = "" }, "body"},
		{"zero start time", func(in *Input) { in.StartTime = time.Time{} }, "startTime"},
		{"negative delay", func(in *Input) { in.DelayMs = -1 }, "delayMs"},
		{"negative hourly limit", func(in *Input) { in.HourlyLimit = -5 }, "hourlyLimit"},
		{"no recipients", func(in *Input) { in.Recipients = nil }, "recipients"},
		{"blank recipients only", func(in *Input) { in.Recipients = []string{"  ", ""} }, "recipients"},
		{"malformed recipient", func(in *Input) { in.Recipients = []string{"not-an-email"} }, "recipients"},
		{"recipient without tld", func(in *Input) { in.Recipients = []string{"user@host"} }, "recipients"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(newFakeStore(), newFakeQueue(), &fakeClock{now: t0}, 200)
			in := validInput()
			tt.mutate(&in)

			_, _, err := s.Submit(context.Background(), in)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestSubmitFanOut(t *testing.T) {
	st := newFakeStore()
	q := newFakeQueue()
	s := New(st, q, &fakeClock{now: t0}, 200)

	in := validInput()
	in.Recipients = []string{"A@Example.com", "b@example.com ", "a@example.com", "c@example.com"}

	c, jobs, err := s.Submit(context.Background(), in)
	require.NoError(t, err)

	// Dedup is case-insensitive and keeps first-occurrence order.
	require.Len(t, jobs, 3)
	assert.Equal(t, "a@example.com", jobs[0].Recipient)
	assert.Equal(t, "b@example.com", jobs[1].Recipient)
	assert.Equal(t, "c@example.com", jobs[2].Recipient)
	assert.Equal(t, 3, c.TotalCount)
	assert.Equal(t, domain.CampaignScheduled, c.Status)
	assert.Equal(t, 200, c.HourlyLimit, "default hourly limit applied")

	// Due times are staggered by delayMs from the start time.
	for i, j := range jobs {
		want := in.StartTime.UTC().Add(time.Duration(i) * 2 * time.Second)
		assert.Equal(t, want, j.ScheduledTime, "job %d", i)
		due, enqueued := q.enqueued[j.ID]
		require.True(t, enqueued)
		assert.Equal(t, want, due)
		assert.Equal(t, c.ID, j.CampaignID)
		assert.Equal(t, domain.JobPending, j.Status)
	}
}

func TestSubmitDeterministicJobIDs(t *testing.T) {
	in := validInput()
	in.ID = "camp-fixed"

	run := func() []string {
		s := New(newFakeStore(), newFakeQueue(), &fakeClock{now: t0}, 200)
		_, jobs, err := s.Submit(context.Background(), in)
		require.NoError(t, err)
		ids := make([]string, len(jobs))
		for i, j := range jobs {
			ids[i] = j.ID
		}
		return ids
	}

	first := run()
	second := run()
	assert.Equal(t, first, second, "same campaign, recipients and clock must yield same job IDs")
}

func TestSubmitDuplicateCampaign(t *testing.T) {
	st := newFakeStore()
	q := newFakeQueue()
	s := New(st, q, &fakeClock{now: t0}, 200)

	in := validInput()
	in.ID = "camp-1"

	first, jobs, err := s.Submit(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	// Second submission with the same ID returns the original, creates
	// nothing and enqueues nothing new.
	before := len(q.enqueued)
	again, jobs2, err := s.Submit(context.Background(), in)
	require.NoError(t, err)
	assert.Nil(t, jobs2)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.TotalCount, again.TotalCount)
	assert.Equal(t, before, len(q.enqueued))
}

func TestSubmitStoreFailure(t *testing.T) {
	st := newFakeStore()
	st.failWith = context.DeadlineExceeded
	q := newFakeQueue()
	s := New(st, q, &fakeClock{now: t0}, 200)

	_, _, err := s.Submit(context.Background(), validInput())
	require.Error(t, err)
	assert.Empty(t, q.enqueued, "nothing may be enqueued when durability failed")
}
