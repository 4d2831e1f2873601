package core

import (
	"context"

	"github.com/reachinbox/courier/internal/domain"
	"github.com/reachinbox/courier/internal/scheduler"
	"github.com/reachinbox/courier/internal/store"
)

// ErrNotFound is returned when a campaign does not exist or belongs to a
// different owner.
var ErrNotFound = store.ErrNotFound

// CampaignView is a campaign with its jobs embedded.
type CampaignView struct {
	domain.Campaign
	Jobs []domain.Job `json:"jobs"`
}

// Submit accepts a bulk send request. Returns the campaign (the original
// on duplicate submission) and the number of jobs created by this call.
func (c *Core) Submit(ctx context.Context, in scheduler.Input) (*domain.Campaign, int, error) {
	campaign, jobs, err := c.sched.Submit(ctx, in)
	if err != nil {
		return nil, 0, err
	}
	return campaign, len(jobs), nil
}

// GetCampaign returns one of the owner's campaigns with its jobs.
func (c *Core) GetCampaign(ctx context.Context, owner, id string) (*CampaignView, error) {
	campaign, err := c.store.ReadCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if campaign.Owner != owner {
		return nil, ErrNotFound
	}
	jobs, err := c.store.ReadCampaignJobs(ctx, id)
	if err != nil {
		return nil, err
	}
	return &CampaignView{Campaign: *campaign, Jobs: jobs}, nil
}

// ListCampaigns returns the owner's campaigns, newest first.
func (c *Core) ListCampaigns(ctx context.Context, owner string) ([]domain.Campaign, error) {
	return c.store.ListCampaignsByOwner(ctx, owner)
}

// ListTerminalJobs returns the owner's sent and failed jobs.
func (c *Core) ListTerminalJobs(ctx context.Context, owner string) ([]domain.Job, error) {
	return c.store.ListTerminalJobsByOwner(ctx, owner)
}

// QueueStats combines live queue counts with terminal totals from the
// store.
func (c *Core) QueueStats(ctx context.Context) (domain.QueueStats, error) {
	waiting, active, delayed := c.queue.Stats()
	sent, failed, err := c.store.CountTerminalJobs(ctx)
	if err != nil {
		return domain.QueueStats{}, err
	}
	return domain.QueueStats{
		Waiting:   waiting,
		Active:    active,
		Delayed:   delayed,
		Completed: sent,
		Failed:    failed,
	}, nil
}

// Healthy reports whether the worker pool is still able to persist
// transitions. The façade turns false into 503s.
func (c *Core) Healthy() bool { return c.pool.Healthy() }
