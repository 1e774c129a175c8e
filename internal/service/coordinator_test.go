package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vmware/weathervane-sub002/internal/models"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []*models.HighBid
}

func (f *fakePublisher) PublishHighBid(bid *models.HighBid) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, bid)
	return nil
}

func (f *fakePublisher) PublishArchival(ctx context.Context, bid *models.HighBid) error {
	return nil
}

func (f *fakePublisher) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type fakeItemStore struct {
	items map[int64]*models.Item
	err   error
}

func (f *fakeItemStore) GetItem(ctx context.Context, itemID int64) (*models.Item, error) {
	if f.err != nil {
		return nil, f.err
	}
	item, ok := f.items[itemID]
	if !ok {
		return nil, errors.New("item not found")
	}
	return item, nil
}

type fakeImageStore struct {
	infos map[int64][]models.ImageInfo
	err   error
}

func (f *fakeImageStore) GetImageInfos(ctx context.Context, entityType string, entityID int64) ([]models.ImageInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.infos[entityID], nil
}

func hb(auctionID, itemID int64, count int, state string) *models.HighBid {
	return &models.HighBid{
		AuctionID:    auctionID,
		ItemID:       itemID,
		BidCount:     count,
		BiddingState: state,
		Amount:       float64(count) * 10,
		BidderID:     "bidder-1",
	}
}

func newTestCoordinator(t *testing.T, pub *fakePublisher, items *fakeItemStore, images *fakeImageStore) *BidCoordinator {
	t.Helper()
	if pub == nil {
		pub = &fakePublisher{}
	}
	if items == nil {
		items = &fakeItemStore{items: map[int64]*models.Item{}}
	}
	if images == nil {
		images = &fakeImageStore{}
	}
	disp := NewDispatcher(2, zap.NewNop())
	t.Cleanup(disp.Stop)
	c := newBidCoordinator(7, pub, items, images, disp, zap.NewNop())
	c.curLockTimeout = 250 * time.Millisecond
	c.curReadTimeout = 50 * time.Millisecond
	return c
}

func cachedBid(c *BidCoordinator, itemID int64) *models.HighBid {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.highBids[itemID]
}

func currentItem(c *BidCoordinator) int64 {
	if !c.lockCurrent(time.Second) {
		return -1
	}
	defer c.unlockCurrent()
	return c.currentItemID
}

func awaitCompletion(t *testing.T, p *PendingBid) Completion {
	t.Helper()
	select {
	case comp := <-p.Done():
		return comp
	case <-time.After(2 * time.Second):
		t.Fatal("long-poll never completed")
		return Completion{}
	}
}

func TestReplaces(t *testing.T) {
	tests := []struct {
		name string
		cur  *models.HighBid
		new  *models.HighBid
		want bool
	}{
		{"first bid for item", nil, hb(7, 1, 1, models.BiddingStateOpen), true},
		{"strictly newer", hb(7, 1, 2, models.BiddingStateOpen), hb(7, 1, 3, models.BiddingStateOpen), true},
		{"duplicate", hb(7, 1, 3, models.BiddingStateOpen), hb(7, 1, 3, models.BiddingStateOpen), false},
		{"stale", hb(7, 1, 3, models.BiddingStateOpen), hb(7, 1, 2, models.BiddingStateOpen), false},
		{"resale after sold", hb(7, 1, 3, models.BiddingStateSold), hb(7, 1, 1, models.BiddingStateOpen), true},
		{"resale after zero-bid sale", hb(7, 1, 1, models.BiddingStateSold), hb(7, 1, 1, models.BiddingStateOpen), true},
		{"last-call resale", hb(7, 1, 2, models.BiddingStateLastCall), hb(7, 1, 1, models.BiddingStateOpen), true},
		{"stale count one against live item", hb(7, 1, 3, models.BiddingStateOpen), hb(7, 1, 1, models.BiddingStateOpen), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := replaces(tt.new, tt.cur); got != tt.want {
				t.Errorf("replaces() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMonotonicDelivery(t *testing.T) {
	c := newTestCoordinator(t, nil, nil, nil)

	c.HandleHighBidMessage(hb(7, 1, 1, models.BiddingStateOpen))
	c.HandleHighBidMessage(hb(7, 1, 3, models.BiddingStateOpen))
	c.HandleHighBidMessage(hb(7, 1, 2, models.BiddingStateOpen)) // reordered, must be dropped

	if got := cachedBid(c, 1); got.BidCount != 3 {
		t.Fatalf("cached bidCount = %d, want 3", got.BidCount)
	}
}

func TestWrongAuctionIgnored(t *testing.T) {
	c := newTestCoordinator(t, nil, nil, nil)

	c.HandleHighBidMessage(hb(99, 1, 1, models.BiddingStateOpen))

	if got := cachedBid(c, 1); got != nil {
		t.Fatalf("bid for foreign auction was cached: %+v", got)
	}
}

func TestCurrentItemAdvancesAndClears(t *testing.T) {
	c := newTestCoordinator(t, nil, nil, nil)

	c.HandleHighBidMessage(hb(7, 5, 1, models.BiddingStateOpen))
	if got := currentItem(c); got != 5 {
		t.Fatalf("currentItemID = %d, want 5", got)
	}

	// A later OPEN item advances the pointer.
	c.HandleHighBidMessage(hb(7, 6, 1, models.BiddingStateOpen))
	if got := currentItem(c); got != 6 {
		t.Fatalf("currentItemID = %d, want 6", got)
	}

	// An earlier item never moves it backwards.
	c.HandleHighBidMessage(hb(7, 5, 2, models.BiddingStateOpen))
	if got := currentItem(c); got != 6 {
		t.Fatalf("currentItemID = %d after stale item, want 6", got)
	}

	// Selling the current item clears the pointer.
	c.HandleHighBidMessage(hb(7, 6, 4, models.BiddingStateSold))
	if got := currentItem(c); got != 0 {
		t.Fatalf("currentItemID = %d after SOLD, want 0", got)
	}
}

func TestZeroBidSaleKeepsCurrentItem(t *testing.T) {
	c := newTestCoordinator(t, nil, nil, nil)

	c.HandleHighBidMessage(hb(7, 5, 1, models.BiddingStateOpen))

	// Auto-sold with zero bids: the SOLD record still carries bidCount 1
	// and the item is about to be resold, so the pointer must hold.
	c.HandleHighBidMessage(hb(7, 5, 1, models.BiddingStateSold))
	if got := currentItem(c); got != 5 {
		t.Fatalf("currentItemID = %d after zero-bid sale, want 5", got)
	}

	// The resale's opening bid must not be rejected as older.
	c.HandleHighBidMessage(hb(7, 5, 1, models.BiddingStateOpen))
	if got := cachedBid(c, 5); got.BiddingState != models.BiddingStateOpen {
		t.Fatalf("cached state = %s, want OPEN", got.BiddingState)
	}
}

func TestSoldThenReopened(t *testing.T) {
	c := newTestCoordinator(t, nil, nil, nil)

	c.HandleHighBidMessage(hb(7, 1, 1, models.BiddingStateOpen))
	c.HandleHighBidMessage(hb(7, 1, 2, models.BiddingStateOpen))
	c.HandleHighBidMessage(hb(7, 1, 3, models.BiddingStateSold))
	c.HandleHighBidMessage(hb(7, 1, 1, models.BiddingStateOpen))

	got := cachedBid(c, 1)
	if got.BidCount != 1 || got.BiddingState != models.BiddingStateOpen {
		t.Fatalf("cached bid = count %d state %s, want count 1 state OPEN", got.BidCount, got.BiddingState)
	}
	if cur := currentItem(c); cur != 1 {
		t.Fatalf("currentItemID = %d after reopen, want 1", cur)
	}
}

func TestLongPollCompletesOnSold(t *testing.T) {
	c := newTestCoordinator(t, nil, nil, nil)

	c.HandleHighBidMessage(hb(7, 1, 1, models.BiddingStateOpen))
	c.HandleHighBidMessage(hb(7, 1, 2, models.BiddingStateOpen))

	bid, pending := c.GetNextBid(1, 2)
	if bid != nil {
		t.Fatalf("expected to park, got immediate bid count %d", bid.BidCount)
	}

	c.HandleHighBidMessage(hb(7, 1, 3, models.BiddingStateSold))

	comp := awaitCompletion(t, pending)
	if comp.Bid.BidCount != 3 || comp.Bid.BiddingState != models.BiddingStateSold {
		t.Fatalf("completed with count %d state %s, want 3/SOLD", comp.Bid.BidCount, comp.Bid.BiddingState)
	}

	// The same handle must never complete twice.
	c.HandleHighBidMessage(hb(7, 1, 3, models.BiddingStateSold))
	time.Sleep(50 * time.Millisecond)
	select {
	case <-pending.Done():
		t.Fatal("waiter completed twice")
	default:
	}
}

func TestImmediateAnswerWhenNewerBidCached(t *testing.T) {
	c := newTestCoordinator(t, nil, nil, nil)

	c.HandleHighBidMessage(hb(7, 1, 5, models.BiddingStateOpen))

	bid, pending := c.GetNextBid(1, 3)
	if pending != nil {
		t.Fatal("expected immediate answer, got parked")
	}
	if bid.BidCount != 5 {
		t.Fatalf("bidCount = %d, want 5", bid.BidCount)
	}

	// A SOLD bid answers immediately regardless of count.
	c.HandleHighBidMessage(hb(7, 1, 6, models.BiddingStateSold))
	bid, pending = c.GetNextBid(1, 9)
	if pending != nil || bid.BiddingState != models.BiddingStateSold {
		t.Fatal("SOLD bid should answer immediately")
	}
}

func TestDuplicateDeliveryIdempotent(t *testing.T) {
	c := newTestCoordinator(t, nil, nil, nil)

	c.HandleHighBidMessage(hb(7, 1, 1, models.BiddingStateOpen))

	_, pending := c.GetNextBid(1, 1)
	if pending == nil {
		t.Fatal("expected to park at lastBidCount 1")
	}

	c.HandleHighBidMessage(hb(7, 1, 2, models.BiddingStateOpen))
	c.HandleHighBidMessage(hb(7, 1, 2, models.BiddingStateOpen))

	comp := awaitCompletion(t, pending)
	if comp.Bid.BidCount != 2 {
		t.Fatalf("completed with count %d, want 2", comp.Bid.BidCount)
	}
	if got := cachedBid(c, 1); got.BidCount != 2 {
		t.Fatalf("cached count = %d, want 2", got.BidCount)
	}

	time.Sleep(50 * time.Millisecond)
	select {
	case <-pending.Done():
		t.Fatal("duplicate delivery completed the waiter again")
	default:
	}
}

func TestConcurrentWaitersSamePayload(t *testing.T) {
	c := newTestCoordinator(t, nil, nil, nil)

	_, p1 := c.GetNextBid(1, 0)
	_, p2 := c.GetNextBid(1, 0)
	if p1 == nil || p2 == nil {
		t.Fatal("both calls should park before any bid exists")
	}

	c.HandleHighBidMessage(hb(7, 1, 1, models.BiddingStateOpen))

	c1 := awaitCompletion(t, p1)
	c2 := awaitCompletion(t, p2)
	if string(c1.Payload) != string(c2.Payload) {
		t.Fatalf("waiters saw different payloads:\n%s\n%s", c1.Payload, c2.Payload)
	}
	if c1.Bid.BidCount != 1 {
		t.Fatalf("completed with count %d, want 1", c1.Bid.BidCount)
	}
}

func TestShutdownDrainsAllWaiters(t *testing.T) {
	c := newTestCoordinator(t, nil, nil, nil)

	c.HandleHighBidMessage(hb(7, 1, 1, models.BiddingStateOpen))
	c.HandleHighBidMessage(hb(7, 2, 1, models.BiddingStateOpen))

	_, p1 := c.GetNextBid(1, 1)
	_, p2 := c.GetNextBid(2, 1)
	_, p3 := c.GetNextBid(3, 0) // item with no cached bid at all
	if p1 == nil || p2 == nil || p3 == nil {
		t.Fatal("expected all three polls to park")
	}

	c.Shutdown()
	c.Release()

	if comp := awaitCompletion(t, p1); comp.Bid.BidCount != 1 {
		t.Fatalf("item 1 drained with count %d, want last known 1", comp.Bid.BidCount)
	}
	if comp := awaitCompletion(t, p2); comp.Bid.ItemID != 2 {
		t.Fatalf("item 2 drained with wrong bid: %+v", comp.Bid)
	}
	if comp := awaitCompletion(t, p3); comp.Bid != nil {
		t.Fatalf("item 3 should drain empty, got %+v", comp.Bid)
	}

	// After shutdown no poll parks again.
	bid, pending := c.GetNextBid(1, 99)
	if pending != nil {
		t.Fatal("poll parked after shutdown")
	}
	if bid == nil || bid.BidCount != 1 {
		t.Fatal("poll after shutdown should return last known bid")
	}
}

func TestParkRacingDrainReturnsImmediately(t *testing.T) {
	c := newTestCoordinator(t, nil, nil, nil)
	c.HandleHighBidMessage(hb(7, 1, 2, models.BiddingStateOpen))

	// Force the narrow interleaving where a poll reads the drain flags as
	// clear, then a drain swaps the queue before the poll can enqueue:
	// hold the queue lock, let the poll block on it, then start draining.
	c.pendingMu.Lock()

	type result struct {
		bid     *models.HighBid
		pending *PendingBid
	}
	resCh := make(chan result, 1)
	go func() {
		bid, pending := c.GetNextBid(1, 2)
		resCh <- result{bid, pending}
	}()
	time.Sleep(50 * time.Millisecond) // poll is now blocked on the queue lock

	c.shuttingDown.Store(true)
	c.pendingMu.Unlock()

	select {
	case res := <-resCh:
		if res.pending != nil {
			t.Fatal("poll parked while a drain was in progress")
		}
		if res.bid == nil || res.bid.BidCount != 2 {
			t.Fatalf("poll answered with %+v, want last known bid", res.bid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poll stayed parked past the drain")
	}
}

func TestWakeUpEchoPublishedOnce(t *testing.T) {
	pub := &fakePublisher{}
	c := newTestCoordinator(t, pub, nil, nil)

	c.HandleHighBidMessage(hb(7, 1, 1, models.BiddingStateOpen))

	c.GetNextBid(1, 1)
	c.GetNextBid(1, 1)

	if got := pub.broadcastCount(); got != 1 {
		t.Fatalf("wake-up echoes published = %d, want 1", got)
	}

	// Advancing to a new item re-arms the echo.
	c.HandleHighBidMessage(hb(7, 2, 1, models.BiddingStateOpen))
	c.GetNextBid(2, 1)
	if got := pub.broadcastCount(); got != 2 {
		t.Fatalf("wake-up echoes published = %d, want 2", got)
	}
}

func TestGetCurrentItemBeforeAndAfterOpen(t *testing.T) {
	items := &fakeItemStore{items: map[int64]*models.Item{
		4: {ID: 4, AuctionID: 7, Name: "lot four", State: models.ItemStateOpen},
	}}
	images := &fakeImageStore{infos: map[int64][]models.ImageInfo{
		4: {{ID: "img-1", EntityType: "item", EntityID: 4, Format: "jpg"}},
	}}
	c := newTestCoordinator(t, nil, items, images)

	start := time.Now()
	_, err := c.GetCurrentItem(context.Background())
	if !errors.Is(err, ErrCurrentItemNotAvailable) {
		t.Fatalf("err = %v, want ErrCurrentItemNotAvailable", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("query did not respect its wait bound")
	}

	c.HandleHighBidMessage(hb(7, 4, 1, models.BiddingStateOpen))

	snapshot, err := c.GetCurrentItem(context.Background())
	if err != nil {
		t.Fatalf("GetCurrentItem after OPEN: %v", err)
	}
	if snapshot.Item.ID != 4 || len(snapshot.Images) != 1 {
		t.Fatalf("snapshot = item %d with %d images, want item 4 with 1 image", snapshot.Item.ID, len(snapshot.Images))
	}

	// Second read hits the cache.
	again, err := c.GetCurrentItem(context.Background())
	if err != nil || again != snapshot {
		t.Fatal("expected cached snapshot on second read")
	}
}

func TestCurrentItemStateFollowsBidding(t *testing.T) {
	items := &fakeItemStore{items: map[int64]*models.Item{
		4: {ID: 4, AuctionID: 7, Name: "lot four", State: models.ItemStateOpen},
	}}
	c := newTestCoordinator(t, nil, items, nil)

	c.HandleHighBidMessage(hb(7, 4, 1, models.BiddingStateOpen))
	snapshot, err := c.GetCurrentItem(context.Background())
	if err != nil || snapshot.Item.State != models.ItemStateOpen {
		t.Fatalf("snapshot state = %q err=%v, want OPEN", snapshot.Item.State, err)
	}

	// Last call arrives after the snapshot was cached; the served state
	// must follow even though the stored row still says OPEN.
	c.HandleHighBidMessage(hb(7, 4, 2, models.BiddingStateLastCall))
	snapshot, err = c.GetCurrentItem(context.Background())
	if err != nil {
		t.Fatalf("GetCurrentItem after LASTCALL: %v", err)
	}
	if snapshot.Item.State != models.ItemStateLastCall {
		t.Fatalf("snapshot state = %q, want LASTCALL", snapshot.Item.State)
	}

	// A zero-bid sale keeps the item current but marks it sold until the
	// resale's opening bid lands.
	c.HandleHighBidMessage(hb(7, 4, 1, models.BiddingStateSold))
	snapshot, err = c.GetCurrentItem(context.Background())
	if err != nil {
		t.Fatalf("GetCurrentItem after zero-bid sale: %v", err)
	}
	if snapshot.Item.State != models.ItemStateSold {
		t.Fatalf("snapshot state = %q, want SOLD", snapshot.Item.State)
	}
}

func TestGetCurrentItemUnblocksOnOpen(t *testing.T) {
	items := &fakeItemStore{items: map[int64]*models.Item{
		4: {ID: 4, AuctionID: 7, Name: "lot four", State: models.ItemStateOpen},
	}}
	c := newTestCoordinator(t, nil, items, nil)

	type result struct {
		snapshot *models.ItemSnapshot
		err      error
	}
	resCh := make(chan result, 1)
	go func() {
		s, err := c.GetCurrentItem(context.Background())
		resCh <- result{s, err}
	}()

	time.Sleep(20 * time.Millisecond)
	c.HandleHighBidMessage(hb(7, 4, 1, models.BiddingStateOpen))

	select {
	case res := <-resCh:
		if res.err != nil {
			t.Fatalf("blocked query failed: %v", res.err)
		}
		if res.snapshot.Item.ID != 4 {
			t.Fatalf("snapshot item = %d, want 4", res.snapshot.Item.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("query never unblocked after item opened")
	}
}

func TestGetCurrentItemStoreFailureIsTransient(t *testing.T) {
	items := &fakeItemStore{err: errors.New("deadlock detected")}
	c := newTestCoordinator(t, nil, items, nil)

	c.HandleHighBidMessage(hb(7, 4, 1, models.BiddingStateOpen))

	_, err := c.GetCurrentItem(context.Background())
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}

	// The core performs no retries, but it must stay safe to call again.
	items.err = nil
	items.items = map[int64]*models.Item{4: {ID: 4, AuctionID: 7}}
	snapshot, err := c.GetCurrentItem(context.Background())
	if err != nil || snapshot.Item.ID != 4 {
		t.Fatalf("retry after transient failure: snapshot=%v err=%v", snapshot, err)
	}
}
