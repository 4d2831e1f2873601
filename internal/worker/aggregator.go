package worker

import (
	"context"
	"log"
	"sync"
	"time"
)

// Recomputer is the store slice the aggregator needs.
type Recomputer interface {
	RecomputeCampaign(ctx context.Context, id string) error
}

// Aggregator reconciles campaign counters whenever a job reaches a
// terminal state. Notifications for the same campaign arriving within the
// coalescing window collapse into a single recompute, keeping
// RecomputeCampaign single-writer per campaign.
type Aggregator struct {
	store  Recomputer
	window time.Duration

	notify chan string
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewAggregator creates an aggregator with the given coalescing window
// (250ms in production).
func NewAggregator(store Recomputer, window time.Duration) *Aggregator {
	if window <= 0 {
		window = 250 * time.Millisecond
	}
	return &Aggregator{
		store:  store,
		window: window,
		notify: make(chan string, 128),
	}
}

// Start launches the coalescing loop.
func (a *Aggregator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go a.run(ctx)
}

// Stop flushes outstanding notifications and waits for the loop to exit.
func (a *Aggregator) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

// Notify marks a campaign dirty. Safe for concurrent use; blocks only if
// the channel buffer is full.
func (a *Aggregator) Notify(campaignID string) {
	a.notify <- campaignID
}

func (a *Aggregator) run(ctx context.Context) {
	defer a.wg.Done()

	pending := make(map[string]struct{})
	flushTimer := time.NewTimer(a.window)
	if !flushTimer.Stop() {
		<-flushTimer.C
	}
	timerArmed := false

	flush := func() {
		for id := range pending {
			delete(pending, id)
			rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := a.store.RecomputeCampaign(rctx, id); err != nil {
				log.Printf("[Aggregator] Recompute failed for campaign %s: %v", id, err)
			}
			cancel()
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Drain whatever is already queued, then do a final flush.
			for {
				select {
				case id := <-a.notify:
					pending[id] = struct{}{}
					continue
				default:
				}
				break
			}
			flush()
			return

		case id := <-a.notify:
			pending[id] = struct{}{}
			if !timerArmed {
				flushTimer.Reset(a.window)
				timerArmed = true
			}

		case <-flushTimer.C:
			timerArmed = false
			flush()
		}
	}
}
