package domain

import "time"

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignScheduled  CampaignStatus = "scheduled"
	CampaignInProgress CampaignStatus = "in-progress"
	CampaignCompleted  CampaignStatus = "completed"
)

// Attachment is one file attached to every message of a campaign.
// Content holds the raw (base64-decoded) bytes.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"content"`
}

// Campaign represents one bulk send request. Subject, body, attachments
// and the scheduling parameters are immutable after creation; the counter
// fields are maintained by the aggregator.
type Campaign struct {
	ID          string         `json:"id"`
	Owner       string         `json:"owner"`
	Subject     string         `json:"subject"`
	Body        string         `json:"body"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	StartTime   time.Time      `json:"startTime"`
	DelayMs     int64          `json:"delayMs"`
	HourlyLimit int            `json:"hourlyLimit"`
	TotalCount  int            `json:"totalCount"`
	SentCount   int            `json:"sentCount"`
	FailedCount int            `json:"failedCount"`
	Status      CampaignStatus `json:"status"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// IsTerminal returns true once every job of the campaign has reached a
// terminal state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignCompleted
}

// QueueStats is the aggregate view over queue and terminal job state.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
