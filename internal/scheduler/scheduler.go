// Package scheduler accepts campaign submissions: validation, recipient
// dedup, per-recipient job fan-out with staggered due times, durable
// creation, and queue admission. It records intent only; it never sends.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reachinbox/courier/internal/clock"
	"github.com/reachinbox/courier/internal/domain"
	"github.com/reachinbox/courier/internal/store"
)

// Store is the persistence slice the scheduler needs.
type Store interface {
	CreateCampaignWithJobs(ctx context.Context, c *domain.Campaign, jobs []domain.Job) error
	ReadCampaign(ctx context.Context, id string) (*domain.Campaign, error)
}

// Enqueuer admits jobs into the delayed queue.
type Enqueuer interface {
	Enqueue(jobID string, due time.Time)
}

// ValidationError rejects a submission before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Canonical recipient pattern, applied after trimming.
var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Job IDs are a stable function of (campaignID, recipient, createdAt) so
// duplicate submissions collide on queue admission.
var jobNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://reachinbox.app/jobs"))

// Input is one bulk send request.
type Input struct {
	ID          string // optional; assigned when empty
	Owner       string
	Subject     string
	Body        string
	Recipients  []string
	StartTime   time.Time
	DelayMs     int64
	HourlyLimit int
	Attachments []domain.Attachment
}

// Scheduler validates submissions and fans them out into jobs.
type Scheduler struct {
	store              Store
	queue              Enqueuer
	clock              clock.Clock
	defaultHourlyLimit int
}

// New creates a scheduler. defaultHourlyLimit caps campaigns that omit
// their own limit.
func New(st Store, q Enqueuer, clk clock.Clock, defaultHourlyLimit int) *Scheduler {
	return &Scheduler{store: st, queue: q, clock: clk, defaultHourlyLimit: defaultHourlyLimit}
}

// Submit validates the input, persists the campaign with all of its jobs
// atomically, and enqueues each job at its staggered due time. On a
// duplicate campaign ID the original campaign is returned unchanged.
//
// A queue admission that fails after the store commit is not an error:
// durability is satisfied and the reconciler sweep (or the next boot)
// re-enqueues the job.
func (s *Scheduler) Submit(ctx context.Context, in Input) (*domain.Campaign, []domain.Job, error) {
	recipients, err := s.validate(&in)
	if err != nil {
		return nil, nil, err
	}

	now := s.clock.Now().Truncate(time.Second)
	campaignID := in.ID
	if campaignID == "" {
		campaignID = uuid.New().String()
	}

	c := &domain.Campaign{
		ID:          campaignID,
		Owner:       in.Owner,
		Subject:     in.Subject,
		Body:        in.Body,
		Attachments: in.Attachments,
		StartTime:   in.StartTime.UTC(),
		DelayMs:     in.DelayMs,
		HourlyLimit: in.HourlyLimit,
		TotalCount:  len(recipients),
		Status:      domain.CampaignScheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	jobs := make([]domain.Job, 0, len(recipients))
	for i, rcpt := range recipients {
		jobs = append(jobs, domain.Job{
			ID:            jobID(campaignID, rcpt, now),
			CampaignID:    campaignID,
			Owner:         in.Owner,
			Recipient:     rcpt,
			ScheduledTime: c.StartTime.Add(time.Duration(int64(i)*in.DelayMs) * time.Millisecond),
			Status:        domain.JobPending,
			CreatedAt:     now,
		})
	}

	if err := s.store.CreateCampaignWithJobs(ctx, c, jobs); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			existing, readErr := s.store.ReadCampaign(ctx, campaignID)
			if readErr != nil {
				return nil, nil, fmt.Errorf("read existing campaign: %w", readErr)
			}
			log.Printf("[Scheduler] Duplicate submission for campaign %s, returning original", campaignID)
			return existing, nil, nil
		}
		return nil, nil, err
	}

	for _, j := range jobs {
		s.queue.Enqueue(j.ID, j.ScheduledTime)
	}

	log.Printf("[Scheduler] Campaign %s accepted: %d recipients, start=%s delay=%dms limit=%d/h",
		campaignID, len(jobs), c.StartTime.Format(time.RFC3339), c.DelayMs, c.HourlyLimit)
	return c, jobs, nil
}

// validate normalizes the input in place and returns the deduplicated
// recipient list, preserving first-occurrence order.
func (s *Scheduler) validate(in *Input) ([]string, error) {
	if strings.TrimSpace(in.Owner) == "" {
		return nil, &ValidationError{Field: "owner", Reason: "required"}
	}
	if strings.TrimSpace(in.Subject) == "" {
		return nil, &ValidationError{Field: "subject", Reason: "required"}
	}
	if strings.TrimSpace(in.Body) == "" {
		return nil, &ValidationError{Field: "body", Reason: "required"}
	}
	if in.StartTime.IsZero() {
		return nil, &ValidationError{Field: "startTime", Reason: "required"}
	}
	if in.DelayMs < 0 {
		return nil, &ValidationError{Field: "delayMs", Reason: "must be non-negative"}
	}
	if in.HourlyLimit < 0 {
		return nil, &ValidationError{Field: "hourlyLimit", Reason: "must be positive"}
	}
	if in.HourlyLimit == 0 {
		in.HourlyLimit = s.defaultHourlyLimit
	}

	seen := make(map[string]struct{}, len(in.Recipients))
	recipients := make([]string, 0, len(in.Recipients))
	for _, r := range in.Recipients {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" {
			continue
		}
		if !emailRe.MatchString(r) {
			return nil, &ValidationError{Field: "recipients", Reason: fmt.Sprintf("malformed address %q", r)}
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		recipients = append(recipients, r)
	}
	if len(recipients) == 0 {
		return nil, &ValidationError{Field: "recipients", Reason: "at least one recipient required"}
	}
	return recipients, nil
}

func jobID(campaignID, recipient string, createdAt time.Time) string {
	data := fmt.Sprintf("%s|%s|%d", campaignID, recipient, createdAt.Unix())
	return uuid.NewSHA1(jobNamespace, []byte(data)).String()
}
