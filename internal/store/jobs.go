package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/reachinbox/courier/internal/domain"
)

const jobCols = `id, campaign_id, owner, recipient, scheduled_time, status,
       attempts, COALESCE(last_error, ''), sent_time, lease_until, created_at, updated_at`

func scanJob(row interface{ Scan(...interface{}) error }) (*domain.Job, error) {
	j := &domain.Job{}
	var sentTime, leaseUntil sql.NullTime
	err := row.Scan(
		&j.ID, &j.CampaignID, &j.Owner, &j.Recipient, &j.ScheduledTime,
		&j.Status, &j.Attempts, &j.LastError, &sentTime, &leaseUntil,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if sentTime.Valid {
		j.SentTime = &sentTime.Time
	}
	if leaseUntil.Valid {
		j.LeaseUntil = &leaseUntil.Time
	}
	return j, nil
}

// JobPatch holds the mutable fields of a job. Nil fields are not applied.
// ClearLease nulls lease_until regardless of LeaseUntil.
type JobPatch struct {
	Status     *domain.JobStatus
	Attempts   *int
	LastError  *string
	SentTime   *time.Time
	LeaseUntil *time.Time
	ClearLease bool
}

// UpdateJob applies the patch if and only if the job's current status
// equals ifStatus. Returns ErrCASMismatch when the predicate fails, which
// prevents a late duplicate worker from double-transitioning a job.
func (s *Store) UpdateJob(ctx context.Context, id string, patch JobPatch, ifStatus domain.JobStatus) error {
	set := "updated_at = NOW()"
	args := []interface{}{id, ifStatus}
	idx := 3

	add := func(col string, val interface{}) {
		set += fmt.Sprintf(", %s = $%d", col, idx)
		args = append(args, val)
		idx++
	}

	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.Attempts != nil {
		add("attempts", *patch.Attempts)
	}
	if patch.LastError != nil {
		add("last_error", truncateError(*patch.LastError))
	}
	if patch.SentTime != nil {
		add("sent_time", *patch.SentTime)
	}
	if patch.ClearLease {
		set += ", lease_until = NULL"
	} else if patch.LeaseUntil != nil {
		add("lease_until", *patch.LeaseUntil)
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $1 AND status = $2`, set), args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCASMismatch
	}
	return nil
}

// ReadJob returns a single job. Returns ErrNotFound if it doesn't exist.
func (s *Store) ReadJob(ctx context.Context, id string) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read job: %w", err)
	}
	return j, nil
}

// LoadPendingJobs returns every pending job ordered by scheduled time.
// Used on boot and by the reconciler sweep to rebuild queue state.
func (s *Store) LoadPendingJobs(ctx context.Context) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE status = 'pending' ORDER BY scheduled_time ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("load pending jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// ReadCampaignJobs returns all jobs of a campaign in scheduled order.
func (s *Store) ReadCampaignJobs(ctx context.Context, campaignID string) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE campaign_id = $1 ORDER BY scheduled_time ASC, id ASC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("read campaign jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// ListTerminalJobsByOwner returns the owner's sent and failed jobs,
// most recent transition first.
func (s *Store) ListTerminalJobsByOwner(ctx context.Context, owner string) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobCols+` FROM jobs
		 WHERE owner = $1 AND status IN ('sent', 'failed')
		 ORDER BY updated_at DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("list terminal jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// CountTerminalJobs returns global sent/failed totals for queue stats.
func (s *Store) CountTerminalJobs(ctx context.Context) (sent, failed int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM jobs
	`).Scan(&sent, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("count terminal jobs: %w", err)
	}
	return sent, failed, nil
}

// truncateError bounds last_error to a single column-friendly size.
func truncateError(msg string) string {
	if len(msg) > 1000 {
		return msg[:1000]
	}
	return msg
}
