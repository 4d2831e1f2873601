package domain

import "time"

// JobStatus enumerates the lifecycle states of a single recipient job.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobSent    JobStatus = "sent"
	JobFailed  JobStatus = "failed"
)

// Job is a single recipient's attempt record. Its ID doubles as the
// idempotency key for queue admission; ScheduledTime is immutable after
// creation (retries carry their own due time inside the queue).
type Job struct {
	ID            string     `json:"id"`
	CampaignID    string     `json:"campaignId"`
	Owner         string     `json:"owner"`
	Recipient     string     `json:"recipient"`
	ScheduledTime time.Time  `json:"scheduledTime"`
	Status        JobStatus  `json:"status"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"lastError,omitempty"`
	SentTime      *time.Time `json:"sentTime,omitempty"`
	LeaseUntil    *time.Time `json:"leaseUntil,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the job can never be attempted again.
func (j *Job) IsTerminal() bool {
	return j.Status == JobSent || j.Status == JobFailed
}
