package service

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/vmware/weathervane-sub002/internal/metrics"
	"github.com/vmware/weathervane-sub002/internal/models"
)

// Dispatcher drains coordinators' pending long-poll queues in the
// background. A job is keyed by (coordinator, item, winning bid); the
// coordinator schedules one for every bus delivery, even stale duplicates,
// so late notifications still nudge waiters.
type Dispatcher struct {
	log  *zap.Logger
	jobs chan dispatchJob
	wg   sync.WaitGroup

	// stopMu orders Schedule against Stop so nothing sends on a closed
	// jobs channel.
	stopMu  sync.RWMutex
	stopped bool
}

type dispatchJob struct {
	coord  *BidCoordinator
	itemID int64
	bid    *models.HighBid // may be nil when flushing waiters with no cached bid
}

// NewDispatcher creates a dispatcher with the given worker count.
func NewDispatcher(workers int, log *zap.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	d := &Dispatcher{
		log:  log,
		jobs: make(chan dispatchJob, 256),
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.run()
	}
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for job := range d.jobs {
		d.flush(job)
	}
}

// Schedule queues a flush. Bus callbacks must never block on delivery, so a
// full queue (or a stopped dispatcher) falls back to a direct goroutine.
func (d *Dispatcher) Schedule(coord *BidCoordinator, itemID int64, bid *models.HighBid) {
	job := dispatchJob{coord: coord, itemID: itemID, bid: bid}

	d.stopMu.RLock()
	defer d.stopMu.RUnlock()
	if d.stopped {
		go d.flush(job)
		return
	}
	select {
	case d.jobs <- job:
	default:
		go d.flush(job)
	}
}

// flush swaps out the item's pending queue and resolves every waiter with
// the winning bid. New waiters parking during the (potentially slow)
// delivery land on the fresh queue and are neither lost nor double-flushed.
func (d *Dispatcher) flush(job dispatchJob) {
	waiters := job.coord.takePending(job.itemID)
	if len(waiters) == 0 {
		return
	}

	var payload []byte
	if job.bid != nil {
		var err error
		payload, err = json.Marshal(job.bid)
		if err != nil {
			d.log.Error("failed to serialize winning bid",
				zap.Int64("auctionId", job.coord.auctionID),
				zap.Int64("itemId", job.itemID),
				zap.Error(err))
			payload = nil
		}
	}

	for _, w := range waiters {
		if w.Complete(job.bid, payload) {
			metrics.LongPollsCompleted.WithLabelValues("delivered").Inc()
		} else {
			// Waiter already cancelled; its connection is gone.
			d.log.Debug("skipping completed or cancelled waiter",
				zap.Int64("auctionId", w.AuctionID),
				zap.Int64("itemId", w.ItemID))
		}
	}
}

// Stop drains queued jobs and stops the workers. Schedule remains safe to
// call afterwards.
func (d *Dispatcher) Stop() {
	d.stopMu.Lock()
	if d.stopped {
		d.stopMu.Unlock()
		return
	}
	d.stopped = true
	close(d.jobs)
	d.stopMu.Unlock()

	d.wg.Wait()
}
