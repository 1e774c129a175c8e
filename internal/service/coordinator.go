package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vmware/weathervane-sub002/internal/metrics"
	"github.com/vmware/weathervane-sub002/internal/models"
)

const (
	// Bound on coordination lock waits. A failed acquisition is a soft
	// failure: logged, the operation degrades, nothing crashes.
	currentItemLockTimeout = 10 * time.Second

	// Fast-path bound for snapshot reads.
	currentItemReadTimeout = 2 * time.Second
)

// BidCoordinator owns the authoritative in-memory view of one auction on
// this node: each item's latest high bid, the pointer to the item currently
// being auctioned, and the long-poll requests parked waiting for a newer
// bid. One instance exists per auction id per node; it is shared by the
// bus-delivery callback, the query paths and the shutdown path, so every
// piece of state sits behind its own lock domain.
type BidCoordinator struct {
	auctionID int64
	log       *zap.Logger
	publisher BidPublisher
	items     ItemStore
	images    ImageStore
	disp      *Dispatcher

	// High-bid map domain.
	mu       sync.RWMutex
	highBids map[int64]*models.HighBid

	// Current-item domain: a capacity-1 semaphore channel standing in for a
	// timed mutex, plus a notification channel closed when an item id
	// becomes available (and replaced when it clears).
	curSem        chan struct{}
	currentItemID int64 // 0 = no current item
	snapshot      *models.ItemSnapshot
	itemAvailable chan struct{}

	// Pending-queue domain: per-item waiter lists, swapped out atomically
	// by the dispatcher.
	pendingMu sync.Mutex
	pending   map[int64][]*PendingBid

	wakeUpSent   atomic.Bool
	releasing    atomic.Bool
	shuttingDown atomic.Bool

	curLockTimeout time.Duration
	curReadTimeout time.Duration
}

func newBidCoordinator(auctionID int64, publisher BidPublisher, items ItemStore, images ImageStore, disp *Dispatcher, log *zap.Logger) *BidCoordinator {
	return &BidCoordinator{
		auctionID:      auctionID,
		log:            log.With(zap.Int64("auctionId", auctionID)),
		publisher:      publisher,
		items:          items,
		images:         images,
		disp:           disp,
		highBids:       make(map[int64]*models.HighBid),
		curSem:         make(chan struct{}, 1),
		itemAvailable:  make(chan struct{}),
		pending:        make(map[int64][]*PendingBid),
		curLockTimeout: currentItemLockTimeout,
		curReadTimeout: currentItemReadTimeout,
	}
}

// replaces reports whether newBid should displace cur in the high-bid map.
// Normal rule: strictly newer bidCount wins. Two resale exceptions break
// monotonicity: an item resold after selling with zero bids (the SOLD record
// kept the opening count, and the rerun starts over at 1), and an item
// resold after a last call that drew a single bid (the 2 -> 1 transition).
func replaces(newBid, cur *models.HighBid) bool {
	if cur == nil {
		return true
	}
	if newBid.BidCount > cur.BidCount {
		return true
	}
	if newBid.BidCount == 1 && cur.BiddingState == models.BiddingStateSold {
		return true
	}
	if newBid.BidCount == 1 && cur.BidCount == 2 {
		return true
	}
	return false
}

// isZeroBidSale marks an item auto-sold with zero real bids: only the
// opening bid exists, so bidCount stayed 1. Such an item is resold
// immediately, which is why it must not clear the current-item pointer.
func isZeroBidSale(bid *models.HighBid) bool {
	return bid.BiddingState == models.BiddingStateSold && bid.BidCount == 1
}

// HandleHighBidMessage reconciles one bus-delivered high bid: updates the
// map under the freshness rule, moves the current-item pointer, then
// schedules a pending-queue flush. Duplicate and reordered deliveries are
// idempotent with respect to final state.
func (c *BidCoordinator) HandleHighBidMessage(newBid *models.HighBid) {
	if newBid.AuctionID != c.auctionID {
		c.log.Warn("ignoring high bid for wrong auction",
			zap.Int64("messageAuctionId", newBid.AuctionID))
		metrics.HighBidMessages.WithLabelValues("mismatched").Inc()
		return
	}

	c.mu.Lock()
	winner := c.highBids[newBid.ItemID]
	if replaces(newBid, winner) {
		c.highBids[newBid.ItemID] = newBid
		winner = newBid
		metrics.HighBidMessages.WithLabelValues("applied").Inc()
	} else {
		metrics.HighBidMessages.WithLabelValues("stale").Inc()
	}
	c.mu.Unlock()

	if c.lockCurrent(c.curLockTimeout) {
		if c.currentItemID == 0 ||
			(winner.ItemID > c.currentItemID && winner.BiddingState == models.BiddingStateOpen) {
			c.setCurrentItemLocked(winner.ItemID)
		} else if winner.BiddingState == models.BiddingStateSold &&
			winner.ItemID == c.currentItemID && !isZeroBidSale(winner) {
			c.clearCurrentItemLocked()
		}
		if winner.ItemID == c.currentItemID && c.snapshot != nil {
			// Returned snapshots are shared; replace, never mutate in place.
			if st := models.ItemStateForBidding(winner.BiddingState, c.snapshot.Item.State); st != c.snapshot.Item.State {
				refreshed := *c.snapshot
				refreshed.Item.State = st
				c.snapshot = &refreshed
			}
		}
		c.unlockCurrent()
	} else {
		// Abandon this notification's current-item update; the next one
		// will catch up.
		c.log.Warn("timed out waiting for current-item lock",
			zap.Int64("itemId", winner.ItemID))
	}

	// Always flush, even when nothing changed: a late duplicate must still
	// nudge waiters that parked after the original delivery.
	c.disp.Schedule(c, winner.ItemID, winner)
}

// GetNextBid answers a "next bid after lastBidCount" query. An immediate
// answer comes back as a HighBid; otherwise the returned PendingBid is
// parked until a dispatch or a release resolves it.
func (c *BidCoordinator) GetNextBid(itemID int64, lastBidCount int) (*models.HighBid, *PendingBid) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cur := c.highBids[itemID]

	// Echo a freshly-opened item's first bid back onto the bus once, so
	// its watchdog timers start on every node, not just the one that
	// received the opening bid.
	if cur != nil && cur.BidCount == 1 && c.wakeUpSent.CompareAndSwap(false, true) {
		if err := c.publisher.PublishHighBid(cur); err != nil {
			c.log.Warn("failed to publish wake-up bid", zap.Error(err))
			c.wakeUpSent.Store(false)
		}
	}

	if cur != nil && (cur.BidCount > lastBidCount || cur.BiddingState == models.BiddingStateSold) {
		return cur, nil
	}
	if c.shuttingDown.Load() || c.releasing.Load() {
		// Last-known-good, possibly nil; never park once draining started.
		return cur, nil
	}

	// Park while still holding the map read lock: a writer delivering a
	// newer bid cannot take the write lock, and therefore cannot have
	// flushed, before this waiter is on the queue.
	p := newPendingBid(c.auctionID, itemID, lastBidCount)
	c.pendingMu.Lock()
	// A drain that started after the flag check above has already swapped
	// the queue and would never see this waiter. The flags are set before
	// any drain touches the queue, so re-checking here closes the window.
	if c.shuttingDown.Load() || c.releasing.Load() {
		c.pendingMu.Unlock()
		return cur, nil
	}
	c.pending[itemID] = append(c.pending[itemID], p)
	c.pendingMu.Unlock()
	metrics.LongPollsParked.Inc()

	return nil, p
}

// takePending swaps the item's waiter list for an empty one.
func (c *BidCoordinator) takePending(itemID int64) []*PendingBid {
	c.pendingMu.Lock()
	waiters := c.pending[itemID]
	delete(c.pending, itemID)
	c.pendingMu.Unlock()
	return waiters
}

// GetCurrentItem returns the snapshot of the item currently being
// auctioned, loading it from the stores on a cache miss. The slow path
// blocks the calling goroutine, bounded by the lock timeout; callers retry
// on ErrCurrentItemNotAvailable.
func (c *BidCoordinator) GetCurrentItem(ctx context.Context) (*models.ItemSnapshot, error) {
	// Fast path: cached snapshot under a short lock wait.
	if c.lockCurrent(c.curReadTimeout) {
		if c.snapshot != nil {
			s := c.snapshot
			c.unlockCurrent()
			return s, nil
		}
		c.unlockCurrent()
	}

	deadline := time.Now().Add(c.curLockTimeout)
	if !c.lockCurrent(c.curLockTimeout) {
		c.log.Warn("timed out acquiring current-item lock for query")
		return nil, ErrCurrentItemNotAvailable
	}

	for c.currentItemID == 0 {
		ch := c.itemAvailable
		c.unlockCurrent()

		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, ErrCurrentItemNotAvailable
		}
		select {
		case <-ch:
		case <-time.After(remain):
			return nil, ErrCurrentItemNotAvailable
		case <-ctx.Done():
			return nil, ErrCurrentItemNotAvailable
		}

		if !c.lockCurrent(c.curLockTimeout) {
			c.log.Warn("timed out re-acquiring current-item lock")
			return nil, ErrCurrentItemNotAvailable
		}
	}

	if c.snapshot == nil {
		itemID := c.currentItemID
		item, err := c.items.GetItem(ctx, itemID)
		if err != nil {
			c.unlockCurrent()
			return nil, fmt.Errorf("%w: load item %d: %v", ErrStoreUnavailable, itemID, err)
		}
		imgs, err := c.images.GetImageInfos(ctx, "item", itemID)
		if err != nil {
			// Images are best-effort; serve the item without them.
			c.log.Warn("failed to load image infos",
				zap.Int64("itemId", itemID), zap.Error(err))
			imgs = nil
		}
		it := *item
		// The stored row's state can lag; the cached high bid is live.
		c.mu.RLock()
		if live := c.highBids[itemID]; live != nil {
			it.State = models.ItemStateForBidding(live.BiddingState, it.State)
		}
		c.mu.RUnlock()
		c.snapshot = &models.ItemSnapshot{Item: it, Images: imgs}
	}

	s := c.snapshot
	c.unlockCurrent()
	return s, nil
}

// Shutdown stops this coordinator from parking new long-polls and flushes
// every waiter with the last cached bid for its item.
func (c *BidCoordinator) Shutdown() {
	c.shuttingDown.Store(true)
	c.flushAllPending()
}

// Release flushes every parked long-poll immediately and keeps future ones
// from parking. Used to drain connections during reconfiguration,
// independent of full shutdown.
func (c *BidCoordinator) Release() {
	c.releasing.Store(true)
	c.flushAllPending()
}

func (c *BidCoordinator) flushAllPending() {
	c.pendingMu.Lock()
	items := make([]int64, 0, len(c.pending))
	for itemID := range c.pending {
		items = append(items, itemID)
	}
	c.pendingMu.Unlock()

	for _, itemID := range items {
		c.mu.RLock()
		bid := c.highBids[itemID]
		c.mu.RUnlock()
		// Resolve with last-known-good data, not a synthetic error.
		c.disp.Schedule(c, itemID, bid)
	}
}

func (c *BidCoordinator) lockCurrent(timeout time.Duration) bool {
	select {
	case c.curSem <- struct{}{}:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (c *BidCoordinator) unlockCurrent() {
	<-c.curSem
}

// setCurrentItemLocked advances the current-item pointer. The snapshot and
// the wake-up flag reset so the new item reloads and re-echoes. Must hold
// the current-item lock.
func (c *BidCoordinator) setCurrentItemLocked(itemID int64) {
	c.currentItemID = itemID
	c.snapshot = nil
	c.wakeUpSent.Store(false)
	select {
	case <-c.itemAvailable:
		// already signalled
	default:
		close(c.itemAvailable)
	}
}

// clearCurrentItemLocked forgets the current item; the next OPEN bid
// re-establishes it. Must hold the current-item lock.
func (c *BidCoordinator) clearCurrentItemLocked() {
	c.currentItemID = 0
	c.snapshot = nil
	c.itemAvailable = make(chan struct{})
}
