package models

import "time"

// BiddingState constants carried on the wire. A bid submitted by a client is
// ACCEPTED; the authoritative record for an item is OPEN, LASTCALL or SOLD.
const (
	BiddingStateOpen     = "OPEN"
	BiddingStateLastCall = "LASTCALL"
	BiddingStateSold     = "SOLD"
	BiddingStateAccepted = "ACCEPTED"
)

// HighBid is the authoritative record of the current winning bid for one
// item. It is the unit of truth propagated over the broadcast bus and cached
// in memory; a newer HighBid fully replaces the cached one for its item.
type HighBid struct {
	ID           string    `json:"id"`
	AuctionID    int64     `json:"auction_id"`
	ItemID       int64     `json:"item_id"`
	BidCount     int       `json:"bid_count"`
	BiddingState string    `json:"bidding_state"`
	Amount       float64   `json:"amount"`
	BidderID     string    `json:"bidder_id"`
	NodeID       string    `json:"node_id"`
	Timestamp    time.Time `json:"timestamp"`
}

// BidRequest represents an incoming bid submission from the API.
type BidRequest struct {
	AuctionID int64   `json:"auction_id" validate:"required,gt=0"`
	ItemID    int64   `json:"item_id" validate:"required,gt=0"`
	BidderID  string  `json:"bidder_id" validate:"required"`
	Amount    float64 `json:"amount" validate:"required,gt=0"`
}

// BidResponse represents the API response after submitting a bid.
type BidResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message,omitempty"`
	Bid     *HighBid `json:"bid,omitempty"`
}
