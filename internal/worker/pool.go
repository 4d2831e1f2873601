// Package worker runs the send loop: leasing due jobs from the queue,
// arbitrating the hourly budget, delivering through the mailer, and
// recording every transition durably before and after the attempt.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/reachinbox/courier/internal/clock"
	"github.com/reachinbox/courier/internal/domain"
	"github.com/reachinbox/courier/internal/mailer"
	"github.com/reachinbox/courier/internal/pkg/logger"
	"github.com/reachinbox/courier/internal/ratelimit"
	"github.com/reachinbox/courier/internal/store"
)

// Store is the persistence slice the worker pool needs. Writes are
// must-succeed: the pool retries with bounded backoff and halts rather
// than proceed without durably recorded intent.
type Store interface {
	ReadJob(ctx context.Context, id string) (*domain.Job, error)
	ReadCampaignContent(ctx context.Context, id string) (*domain.Campaign, error)
	UpdateJob(ctx context.Context, id string, patch store.JobPatch, ifStatus domain.JobStatus) error
}

// JobQueue is the queue slice the worker pool needs.
type JobQueue interface {
	LeaseNext(workerID string, leaseDuration time.Duration) (jobID string, attempts int, wait time.Time, ok bool)
	Complete(jobID string)
	Defer(jobID string, until time.Time)
	Fail(jobID string) (attempts int, permanent bool)
}

// Limiter arbitrates the per-sender hourly budget.
type Limiter interface {
	Allow(ctx context.Context, sender string, limit int) (ratelimit.Result, error)
}

// Notifier receives campaign IDs whose jobs reached a terminal state.
type Notifier interface {
	Notify(campaignID string)
}

// Config holds worker pool tunables.
type Config struct {
	Concurrency        int
	LeaseDuration      time.Duration
	SendTimeout        time.Duration
	PacingFloor        time.Duration // minimum post-send sleep per worker
	PollInterval       time.Duration // idle wait when the queue is empty
	Sender             string        // envelope-from identity for rate limiting
	DefaultHourlyLimit int
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 60 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.DefaultHourlyLimit <= 0 {
		c.DefaultHourlyLimit = 200
	}
}

// outcomeKind tags the result of one send attempt.
type outcomeKind int

const (
	outcomeSent outcomeKind = iota
	outcomeDeferred
	outcomeRetryable
	outcomePermanent
)

// outcome is the tagged result of sendOne: exactly one job transition.
type outcome struct {
	kind      outcomeKind
	until     time.Time // outcomeDeferred: when the next bucket opens
	err       error     // failure cause for the two failure kinds
	messageID string
	sentAt    time.Time
}

// Pool manages N workers consuming leased jobs.
type Pool struct {
	queue   JobQueue
	store   Store
	limiter Limiter
	mail    mailer.Mailer
	agg     Notifier
	clock   clock.Clock
	cfg     Config

	poolID string

	// Stats
	totalSent     int64
	totalFailed   int64
	totalDeferred int64

	// Campaign content is immutable after creation, so cache entries
	// never expire.
	contentCache map[string]*domain.Campaign
	cacheMu      sync.RWMutex

	healthy atomic.Bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewPool creates a worker pool.
func NewPool(q JobQueue, st Store, lim Limiter, m mailer.Mailer, agg Notifier, clk clock.Clock, cfg Config) *Pool {
	cfg.applyDefaults()
	p := &Pool{
		queue:        q,
		store:        st,
		limiter:      lim,
		mail:         m,
		agg:          agg,
		clock:        clk,
		cfg:          cfg,
		poolID:       uuid.New().String()[:8],
		contentCache: make(map[string]*domain.Campaign),
	}
	p.healthy.Store(true)
	return p
}

// Start launches the workers.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	log.Printf("[WorkerPool] Starting %d workers (lease=%s, sender=%s)",
		p.cfg.Concurrency, p.cfg.LeaseDuration, p.cfg.Sender)

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	log.Printf("[WorkerPool] Stopped. Total sent: %d, failed: %d, deferred: %d",
		atomic.LoadInt64(&p.totalSent), atomic.LoadInt64(&p.totalFailed), atomic.LoadInt64(&p.totalDeferred))
}

// Healthy reports false once a worker has halted on a persistent store
// failure.
func (p *Pool) Healthy() bool { return p.healthy.Load() }

// Stats returns current counters.
func (p *Pool) Stats() map[string]int64 {
	return map[string]int64{
		"total_sent":     atomic.LoadInt64(&p.totalSent),
		"total_failed":   atomic.LoadInt64(&p.totalFailed),
		"total_deferred": atomic.LoadInt64(&p.totalDeferred),
	}
}

// worker is the main loop: lease, process, sleep precisely when idle.
func (p *Pool) worker(n int) {
	defer p.wg.Done()
	workerID := fmt.Sprintf("worker-%d-%s", n, p.poolID)

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		jobID, attempts, wait, ok := p.queue.LeaseNext(workerID, p.cfg.LeaseDuration)
		if !ok {
			d := p.cfg.PollInterval
			if !wait.IsZero() {
				if until := wait.Sub(p.clock.Now()); until < d {
					d = until
				}
			}
			if p.clock.Sleep(p.ctx, d) != nil {
				return
			}
			continue
		}

		if !p.process(jobID, attempts) {
			// Persistent store failure: halt and relinquish the lease
			// by letting it expire.
			p.healthy.Store(false)
			log.Printf("[Worker %s] Halting on persistent store failure", workerID)
			return
		}
	}
}

// process drives one leased job through a single attempt. Returns false
// only when the store is persistently unavailable.
func (p *Pool) process(jobID string, queueAttempts int) bool {
	// Detached from the pool context: an in-flight job runs to completion
	// within its lease even during shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.LeaseDuration)
	defer cancel()

	job, err := p.readJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("[WorkerPool] Leased job %s has no store row, dropping", jobID)
			p.queue.Complete(jobID)
			return true
		}
		return false
	}
	if job.Status != domain.JobPending {
		// Already terminal; a stale queue entry. Never re-send.
		p.queue.Complete(jobID)
		return true
	}

	content, err := p.campaignContent(ctx, job.CampaignID)
	if err != nil {
		return false
	}

	// Record intent: the lease is durable before the mailer is invoked.
	leaseUntil := p.clock.Now().Add(p.cfg.LeaseDuration)
	err = p.persistJob(ctx, jobID, store.JobPatch{LeaseUntil: &leaseUntil}, domain.JobPending)
	if errors.Is(err, store.ErrCASMismatch) {
		log.Printf("[WorkerPool] Job %s transitioned concurrently before lease, dropping", jobID)
		p.queue.Complete(jobID)
		return true
	}
	if err != nil {
		return false
	}

	out := p.sendOne(ctx, job, content, queueAttempts)

	switch out.kind {
	case outcomeDeferred:
		atomic.AddInt64(&p.totalDeferred, 1)
		p.queue.Defer(jobID, out.until)
		err = p.persistJob(ctx, jobID, store.JobPatch{ClearLease: true}, domain.JobPending)
		return p.tolerateCAS(err, jobID)

	case outcomeSent:
		atomic.AddInt64(&p.totalSent, 1)
		attempts := queueAttempts + 1
		status := domain.JobSent
		err = p.persistJob(ctx, jobID, store.JobPatch{
			Status:     &status,
			Attempts:   &attempts,
			SentTime:   &out.sentAt,
			ClearLease: true,
		}, domain.JobPending)
		if !p.tolerateCAS(err, jobID) {
			return false
		}
		p.queue.Complete(jobID)
		p.agg.Notify(job.CampaignID)
		logger.Info("email sent",
			"job_id", jobID, "campaign_id", job.CampaignID,
			"recipient", job.Recipient, "message_id", out.messageID)

		// Per-campaign stagger doubles as crude SMTP pacing.
		pace := time.Duration(content.DelayMs) * time.Millisecond
		if pace < p.cfg.PacingFloor {
			pace = p.cfg.PacingFloor
		}
		if pace > 0 {
			// Pacing is skipped during shutdown (pool context, not job
			// context).
			p.clock.Sleep(p.ctx, pace)
		}
		return true

	case outcomePermanent:
		atomic.AddInt64(&p.totalFailed, 1)
		attempts := queueAttempts + 1
		if !p.markFailed(ctx, jobID, attempts, out.err) {
			return false
		}
		p.queue.Complete(jobID)
		p.agg.Notify(job.CampaignID)
		return true

	default: // outcomeRetryable
		attempts, permanent := p.queue.Fail(jobID)
		if permanent {
			atomic.AddInt64(&p.totalFailed, 1)
			if !p.markFailed(ctx, jobID, attempts, out.err) {
				return false
			}
			p.agg.Notify(job.CampaignID)
			return true
		}
		// Record the attempt; the job stays pending and re-enters the
		// queue after backoff.
		errText := out.err.Error()
		err = p.persistJob(ctx, jobID, store.JobPatch{
			Attempts:   &attempts,
			LastError:  &errText,
			ClearLease: true,
		}, domain.JobPending)
		return p.tolerateCAS(err, jobID)
	}
}

// sendOne makes exactly one delivery decision for a leased job and
// reports it as a tagged outcome.
func (p *Pool) sendOne(ctx context.Context, job *domain.Job, content *domain.Campaign, queueAttempts int) outcome {
	limit := content.HourlyLimit
	if limit <= 0 {
		limit = p.cfg.DefaultHourlyLimit
	}

	rl, err := p.limiter.Allow(ctx, p.cfg.Sender, limit)
	if err != nil {
		// The budget is advisory; a limiter outage must not stall sends.
		log.Printf("[WorkerPool] Rate limit check failed, proceeding: %v", err)
	} else if !rl.Allowed {
		return outcome{kind: outcomeDeferred, until: rl.NextBucketStart}
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()

	messageID, err := p.mail.Send(sendCtx, &mailer.Message{
		From:        p.cfg.Sender,
		To:          job.Recipient,
		Subject:     content.Subject,
		HTMLBody:    content.Body,
		Attachments: content.Attachments,
	})
	if err != nil {
		if mailer.Classify(err) == mailer.ClassPermanent {
			return outcome{kind: outcomePermanent, err: err}
		}
		return outcome{kind: outcomeRetryable, err: err}
	}

	return outcome{kind: outcomeSent, messageID: messageID, sentAt: p.clock.Now()}
}

// markFailed records a terminal failure. Returns false on persistent
// store failure.
func (p *Pool) markFailed(ctx context.Context, jobID string, attempts int, cause error) bool {
	status := domain.JobFailed
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	err := p.persistJob(ctx, jobID, store.JobPatch{
		Status:     &status,
		Attempts:   &attempts,
		LastError:  &errText,
		ClearLease: true,
	}, domain.JobPending)
	return p.tolerateCAS(err, jobID)
}

// tolerateCAS translates a CAS mismatch into "job already handled": the
// duplicate report is logged and the queue entry retired, never re-sent.
func (p *Pool) tolerateCAS(err error, jobID string) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, store.ErrCASMismatch) {
		log.Printf("[WorkerPool] Job %s already transitioned, treating as complete", jobID)
		p.queue.Complete(jobID)
		return true
	}
	return false
}

const storeRetryMax = 4

// persistJob writes a job patch with bounded backoff. A CAS mismatch is
// surfaced immediately; other errors are retried before giving up.
func (p *Pool) persistJob(ctx context.Context, id string, patch store.JobPatch, ifStatus domain.JobStatus) error {
	op := func() error {
		err := p.store.UpdateJob(ctx, id, patch, ifStatus)
		if errors.Is(err, store.ErrCASMismatch) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), storeRetryMax), ctx))
}

func (p *Pool) readJob(ctx context.Context, id string) (*domain.Job, error) {
	var job *domain.Job
	op := func() error {
		j, err := p.store.ReadJob(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		job = j
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), storeRetryMax), ctx))
	return job, err
}

// campaignContent returns the immutable campaign content, cached after
// the first read.
func (p *Pool) campaignContent(ctx context.Context, campaignID string) (*domain.Campaign, error) {
	p.cacheMu.RLock()
	if c, ok := p.contentCache[campaignID]; ok {
		p.cacheMu.RUnlock()
		return c, nil
	}
	p.cacheMu.RUnlock()

	var c *domain.Campaign
	op := func() error {
		got, err := p.store.ReadCampaignContent(ctx, campaignID)
		if errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		c = got
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), storeRetryMax), ctx))
	if err != nil {
		return nil, err
	}

	p.cacheMu.Lock()
	p.contentCache[campaignID] = c
	p.cacheMu.Unlock()
	return c, nil
}
