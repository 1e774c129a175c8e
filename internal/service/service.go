// Package service holds the core of the bid distribution engine: the
// per-node BidService facade, the per-auction BidCoordinator and the
// completion dispatcher that resolves parked long-polls.
package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vmware/weathervane-sub002/internal/metrics"
	"github.com/vmware/weathervane-sub002/internal/models"
)

// BidPublisher publishes high-bid events onto the broadcast bus.
type BidPublisher interface {
	PublishHighBid(bid *models.HighBid) error
	PublishArchival(ctx context.Context, bid *models.HighBid) error
}

// HighBidStore reads the durable record of active high bids.
type HighBidStore interface {
	GetActiveHighBids(ctx context.Context) ([]*models.HighBid, error)
	FindHighBidsByAuctionID(ctx context.Context, auctionID int64) ([]*models.HighBid, error)
}

// ItemStore reads item records.
type ItemStore interface {
	GetItem(ctx context.Context, itemID int64) (*models.Item, error)
}

// ImageStore reads image metadata for an entity.
type ImageStore interface {
	GetImageInfos(ctx context.Context, entityType string, entityID int64) ([]models.ImageInfo, error)
}

// BidService is the per-node singleton facade over the bid distribution
// engine. It routes submissions to the bus, creates and locates
// coordinators, and exposes the long-poll and current-item queries plus
// lifecycle control.
type BidService struct {
	log       *zap.Logger
	publisher BidPublisher
	highBids  HighBidStore
	items     ItemStore
	images    ImageStore
	disp      *Dispatcher

	coordinators sync.Map // auctionID int64 -> *BidCoordinator

	nodeID  string
	master  bool
	exiting atomic.Bool
}

// NewBidService builds the facade and rebuilds coordinators from the
// durable active-high-bid records. A store failure at startup degrades to
// an empty state; coordinators then form lazily from bus traffic.
func NewBidService(ctx context.Context, publisher BidPublisher, highBids HighBidStore, items ItemStore, images ImageStore, nodeID string, master bool, workers int, log *zap.Logger) *BidService {
	s := &BidService{
		log:       log,
		publisher: publisher,
		highBids:  highBids,
		items:     items,
		images:    images,
		disp:      NewDispatcher(workers, log),
		nodeID:    nodeID,
		master:    master,
	}

	active, err := highBids.GetActiveHighBids(ctx)
	if err != nil {
		log.Warn("could not recover active high bids; starting empty", zap.Error(err))
		return s
	}
	for _, bid := range active {
		s.coordinatorFor(bid.AuctionID).HandleHighBidMessage(bid)
	}
	log.Info("recovered active high bids", zap.Int("count", len(active)))

	return s
}

// coordinatorFor returns the coordinator for an auction, creating it on
// first use. At most one instance exists per auction id on this node.
func (s *BidService) coordinatorFor(auctionID int64) *BidCoordinator {
	if v, ok := s.coordinators.Load(auctionID); ok {
		return v.(*BidCoordinator)
	}
	c := newBidCoordinator(auctionID, s.publisher, s.items, s.images, s.disp, s.log)
	actual, loaded := s.coordinators.LoadOrStore(auctionID, c)
	coord := actual.(*BidCoordinator)
	if !loaded {
		s.seedCoordinator(coord)
	}
	return coord
}

// seedCoordinator replays the auction's durable high bids, SOLD records
// included, through the reconciliation path. Without this a freshly formed
// coordinator knows nothing about items that sold before it existed, and a
// long-poll for one would park until the timeout instead of answering with
// the SOLD record. Seeding is best-effort: on a store failure the
// coordinator fills from bus traffic alone.
func (s *BidService) seedCoordinator(c *BidCoordinator) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bids, err := s.highBids.FindHighBidsByAuctionID(ctx, c.auctionID)
	if err != nil {
		s.log.Warn("could not seed coordinator from store",
			zap.Int64("auctionId", c.auctionID), zap.Error(err))
		return
	}
	for _, bid := range bids {
		c.HandleHighBidMessage(bid)
	}
}

// PostNewBid publishes a submitted bid onto the bus tagged with its auction
// id and returns it marked ACCEPTED. It does not wait for the bus
// round-trip: exactly one broadcast publish per call, the authoritative
// high bid comes back through HandleHighBidMessage.
func (s *BidService) PostNewBid(ctx context.Context, req *models.BidRequest) (*models.HighBid, error) {
	bid := &models.HighBid{
		ID:           uuid.New().String(),
		AuctionID:    req.AuctionID,
		ItemID:       req.ItemID,
		BidderID:     req.BidderID,
		Amount:       req.Amount,
		BiddingState: models.BiddingStateAccepted,
		NodeID:       s.nodeID,
		Timestamp:    time.Now().UTC(),
	}

	if err := s.publisher.PublishHighBid(bid); err != nil {
		return nil, fmt.Errorf("failed to publish bid: %w", err)
	}
	metrics.BidsSubmitted.Inc()

	// The write path must not depend on archival; persist best-effort.
	go func() {
		archCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.publisher.PublishArchival(archCtx, bid); err != nil {
			s.log.Warn("failed to publish bid to archival stream",
				zap.String("bidId", bid.ID), zap.Error(err))
		}
	}()

	return bid, nil
}

// GetNextBid delegates to the auction's coordinator. ErrAuctionNotTracked
// tells the caller to re-resolve routing; this node has never seen the
// auction.
func (s *BidService) GetNextBid(auctionID, itemID int64, lastBidCount int) (*models.HighBid, *PendingBid, error) {
	v, ok := s.coordinators.Load(auctionID)
	if !ok {
		return nil, nil, ErrAuctionNotTracked
	}
	bid, pending := v.(*BidCoordinator).GetNextBid(itemID, lastBidCount)
	return bid, pending, nil
}

// GetCurrentItem delegates to the auction's coordinator.
func (s *BidService) GetCurrentItem(ctx context.Context, auctionID int64) (*models.ItemSnapshot, error) {
	v, ok := s.coordinators.Load(auctionID)
	if !ok {
		return nil, ErrAuctionNotActive
	}
	return v.(*BidCoordinator).GetCurrentItem(ctx)
}

// HandleHighBidMessage is the bus-delivery callback. Coordinators form on
// demand the first time a message arrives for an unseen auction.
func (s *BidService) HandleHighBidMessage(bid *models.HighBid) {
	s.coordinatorFor(bid.AuctionID).HandleHighBidMessage(bid)
}

// PrepareForShutdown drains the node: idempotent, tells every coordinator
// to shut down, then to release, so no long-poll stays parked.
func (s *BidService) PrepareForShutdown() {
	if !s.exiting.CompareAndSwap(false, true) {
		return
	}
	s.log.Info("preparing for shutdown; draining long-polls")
	s.coordinators.Range(func(_, v interface{}) bool {
		v.(*BidCoordinator).Shutdown()
		return true
	})
	s.coordinators.Range(func(_, v interface{}) bool {
		v.(*BidCoordinator).Release()
		return true
	})
}

// ReleaseGetNextBid flushes every coordinator's pending queue immediately.
// Used for graceful connection draining during reconfiguration.
func (s *BidService) ReleaseGetNextBid() {
	s.log.Info("releasing parked long-polls")
	s.coordinators.Range(func(_, v interface{}) bool {
		v.(*BidCoordinator).Release()
		return true
	})
}

// IsMaster reports whether this node is the cluster master.
func (s *BidService) IsMaster() bool {
	return s.master
}

// Close stops the background dispatcher after in-flight flushes finish.
func (s *BidService) Close() {
	s.disp.Stop()
}
