package service

import (
	"sync/atomic"

	"github.com/vmware/weathervane-sub002/internal/models"
)

// Completion carries the resolved result of a parked long-poll. Payload is
// the winning bid serialized once by the dispatcher; both are nil when a
// waiter is flushed for an item that has no cached bid yet.
type Completion struct {
	Bid     *models.HighBid
	Payload []byte
}

// PendingBid is the continuation handle for a parked "next bid" request.
// It replaces the blocked-thread model with a one-shot buffered channel:
// the HTTP handler selects on Done while no worker goroutine is tied up.
// Complete and Cancel race through an atomic flag; exactly one wins.
type PendingBid struct {
	AuctionID    int64
	ItemID       int64
	LastBidCount int

	done atomic.Bool
	ch   chan Completion
}

func newPendingBid(auctionID, itemID int64, lastBidCount int) *PendingBid {
	return &PendingBid{
		AuctionID:    auctionID,
		ItemID:       itemID,
		LastBidCount: lastBidCount,
		ch:           make(chan Completion, 1),
	}
}

// Done yields the completion when the dispatcher resolves this waiter.
func (p *PendingBid) Done() <-chan Completion {
	return p.ch
}

// Complete resolves the waiter with the given result. Returns false if the
// waiter was already completed or cancelled.
func (p *PendingBid) Complete(bid *models.HighBid, payload []byte) bool {
	if !p.done.CompareAndSwap(false, true) {
		return false
	}
	p.ch <- Completion{Bid: bid, Payload: payload}
	return true
}

// Cancel marks the waiter dead (HTTP timeout or client disconnect). Returns
// false if a completion already won the race; the caller should then drain
// Done and serve the result anyway.
func (p *PendingBid) Cancel() bool {
	return p.done.CompareAndSwap(false, true)
}
