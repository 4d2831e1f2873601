package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/reachinbox/courier/internal/domain"
)

// CreateCampaignWithJobs atomically inserts a campaign, its attachments
// and all per-recipient jobs. Either everything is committed or nothing
// is. Returns ErrAlreadyExists on a duplicate campaign ID.
func (s *Store) CreateCampaignWithJobs(ctx context.Context, c *domain.Campaign, jobs []domain.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO campaigns (id, owner, subject, body, start_time, delay_ms,
		                       hourly_limit, total_count, sent_count, failed_count,
		                       status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 0, $9, $10, $10)
	`, c.ID, c.Owner, c.Subject, c.Body, c.StartTime, c.DelayMs,
		c.HourlyLimit, c.TotalCount, c.Status, c.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert campaign: %w", err)
	}

	for i, a := range c.Attachments {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO campaign_attachments (campaign_id, idx, filename, content_type, content)
			VALUES ($1, $2, $3, $4, $5)
		`, c.ID, i, a.Filename, a.ContentType, a.Content)
		if err != nil {
			return fmt.Errorf("insert attachment %d: %w", i, err)
		}
	}

	for i := range jobs {
		j := &jobs[i]
		_, err = tx.ExecContext(ctx, `
			INSERT INTO jobs (id, campaign_id, owner, recipient, scheduled_time,
			                  status, attempts, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)
		`, j.ID, j.CampaignID, j.Owner, j.Recipient, j.ScheduledTime, j.Status, j.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert job %s: %w", j.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const campaignCols = `id, owner, subject, body, start_time, delay_ms, hourly_limit,
       total_count, sent_count, failed_count, status, created_at, updated_at`

func scanCampaign(row interface{ Scan(...interface{}) error }) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := row.Scan(
		&c.ID, &c.Owner, &c.Subject, &c.Body, &c.StartTime, &c.DelayMs,
		&c.HourlyLimit, &c.TotalCount, &c.SentCount, &c.FailedCount,
		&c.Status, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ReadCampaign returns a single campaign without attachment bodies.
// Returns ErrNotFound if it doesn't exist.
func (s *Store) ReadCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := scanCampaign(s.db.QueryRowContext(ctx,
		`SELECT `+campaignCols+` FROM campaigns WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read campaign: %w", err)
	}
	return c, nil
}

// ReadCampaignContent returns a campaign including its attachments, as
// needed to compose outgoing messages.
func (s *Store) ReadCampaignContent(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := s.ReadCampaign(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT filename, content_type, content
		FROM campaign_attachments
		WHERE campaign_id = $1
		ORDER BY idx ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("read attachments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a domain.Attachment
		if err := rows.Scan(&a.Filename, &a.ContentType, &a.Content); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		c.Attachments = append(c.Attachments, a)
	}
	return c, rows.Err()
}

// ListCampaignsByOwner returns the owner's campaigns, newest first.
func (s *Store) ListCampaignsByOwner(ctx context.Context, owner string) ([]domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+campaignCols+` FROM campaigns WHERE owner = $1 ORDER BY created_at DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// RecomputeCampaign re-derives sent/failed counts from job rows and
// applies the status lifecycle in one statement. Transitions never go
// backwards: a completed campaign stays completed.
func (s *Store) RecomputeCampaign(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns c SET
			sent_count   = t.sent,
			failed_count = t.failed,
			status = CASE
				WHEN c.status = 'completed' THEN c.status
				WHEN t.sent + t.failed >= c.total_count THEN 'completed'
				WHEN t.sent + t.failed >= 1 THEN 'in-progress'
				ELSE c.status
			END,
			updated_at = NOW()
		FROM (
			SELECT
				COUNT(*) FILTER (WHERE status = 'sent')   AS sent,
				COUNT(*) FILTER (WHERE status = 'failed') AS failed
			FROM jobs WHERE campaign_id = $1
		) t
		WHERE c.id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("recompute campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
