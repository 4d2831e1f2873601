// Package core wires the scheduling, persistence, rate-limiting and
// worker subsystems into one value and exposes the in-process API the
// HTTP façade calls. All collaborators are capabilities passed in at
// construction so tests can inject fakes.
package core

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/reachinbox/courier/internal/clock"
	"github.com/reachinbox/courier/internal/domain"
	"github.com/reachinbox/courier/internal/mailer"
	"github.com/reachinbox/courier/internal/queue"
	"github.com/reachinbox/courier/internal/scheduler"
	"github.com/reachinbox/courier/internal/store"
	"github.com/reachinbox/courier/internal/worker"
)

// Store is the full persistence contract the core composes over.
// *store.Store satisfies it; tests inject an in-memory fake.
type Store interface {
	CreateCampaignWithJobs(ctx context.Context, c *domain.Campaign, jobs []domain.Job) error
	ReadCampaign(ctx context.Context, id string) (*domain.Campaign, error)
	ReadCampaignContent(ctx context.Context, id string) (*domain.Campaign, error)
	ReadCampaignJobs(ctx context.Context, campaignID string) ([]domain.Job, error)
	ListCampaignsByOwner(ctx context.Context, owner string) ([]domain.Campaign, error)
	ListTerminalJobsByOwner(ctx context.Context, owner string) ([]domain.Job, error)
	LoadPendingJobs(ctx context.Context) ([]domain.Job, error)
	ReadJob(ctx context.Context, id string) (*domain.Job, error)
	UpdateJob(ctx context.Context, id string, patch store.JobPatch, ifStatus domain.JobStatus) error
	RecomputeCampaign(ctx context.Context, id string) error
	CountTerminalJobs(ctx context.Context) (sent, failed int64, err error)
}

// Config holds the recognized core options with their §6 defaults.
type Config struct {
	MaxEmailsPerHour   int
	DelayBetweenEmails time.Duration
	WorkerConcurrency  int
	MailerFrom         string

	MaxAttempts       int
	LeaseDuration     time.Duration
	SendTimeout       time.Duration
	AggregatorWindow  time.Duration
	ReconcileInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxEmailsPerHour <= 0 {
		c.MaxEmailsPerHour = 200
	}
	if c.DelayBetweenEmails <= 0 {
		c.DelayBetweenEmails = 2000 * time.Millisecond
	}
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = 5
	}
	if c.MailerFrom == "" {
		c.MailerFrom = "noreply@reachinbox.app"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 60 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.AggregatorWindow <= 0 {
		c.AggregatorWindow = 250 * time.Millisecond
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = time.Minute
	}
}

// Core is the composed scheduling and dispatch subsystem.
type Core struct {
	cfg   Config
	store Store
	queue *queue.Queue
	sched *scheduler.Scheduler
	pool  *worker.Pool
	agg   *worker.Aggregator
	clock clock.Clock

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// New composes a core from its capabilities.
func New(st Store, lim worker.Limiter, m mailer.Mailer, clk clock.Clock, cfg Config) *Core {
	cfg.applyDefaults()

	policy := queue.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.MaxAttempts

	q := queue.New(clk, policy)
	agg := worker.NewAggregator(st, cfg.AggregatorWindow)
	pool := worker.NewPool(q, st, lim, m, agg, clk, worker.Config{
		Concurrency:        cfg.WorkerConcurrency,
		LeaseDuration:      cfg.LeaseDuration,
		SendTimeout:        cfg.SendTimeout,
		PacingFloor:        cfg.DelayBetweenEmails,
		Sender:             cfg.MailerFrom,
		DefaultHourlyLimit: cfg.MaxEmailsPerHour,
	})

	return &Core{
		cfg:   cfg,
		store: st,
		queue: q,
		sched: scheduler.New(st, q, clk, cfg.MaxEmailsPerHour),
		pool:  pool,
		agg:   agg,
		clock: clk,
	}
}

// Start recovers queue state from the store and launches the background
// machinery: aggregator, worker pool, reconciler sweep.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.mu.Unlock()

	n, err := c.queue.RecoverFromStore(ctx, c.store)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf("[Core] Recovered %d pending jobs from store", n)
	}

	c.agg.Start()
	c.pool.Start()

	var loopCtx context.Context
	loopCtx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(1)
	go c.reconcileLoop(loopCtx)

	return nil
}

// Stop drains in order: no new leases, in-flight sends finish, aggregator
// flushes its final notifications.
func (c *Core) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.pool.Stop()
	c.agg.Stop()
}

// reconcileLoop periodically re-admits pending store jobs missing from
// the queue. This covers an enqueue that failed after the store commit
// without waiting for a restart.
func (c *Core) reconcileLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.queue.RecoverFromStore(ctx, c.store)
			if err != nil {
				log.Printf("[Core] Reconcile sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[Core] Reconcile sweep re-admitted %d jobs", n)
			}
		}
	}
}
