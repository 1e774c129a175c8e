package models

import "time"

// Item state constants. Item states are driven entirely by incoming HighBid
// messages; local code only interprets them.
const (
	ItemStateOpen     = "OPEN"
	ItemStateLastCall = "LASTCALL"
	ItemStateSold     = "SOLD"
)

// ItemStateForBidding projects an item's live bidding state onto the item
// record. The stored row can lag behind the bus; states without an item
// equivalent (like ACCEPTED) keep the fallback.
func ItemStateForBidding(biddingState, fallback string) string {
	switch biddingState {
	case BiddingStateOpen:
		return ItemStateOpen
	case BiddingStateLastCall:
		return ItemStateLastCall
	case BiddingStateSold:
		return ItemStateSold
	}
	return fallback
}

// Item represents an auction item. Items are ordered by id within an
// auction: a higher id means a later item.
type Item struct {
	ID          int64     `json:"id"`
	AuctionID   int64     `json:"auction_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	StartPrice  float64   `json:"start_price"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ImageInfo describes one stored image for an entity. The binary asset
// pipeline is external; only the metadata travels through this service.
type ImageInfo struct {
	ID         string `json:"id"`
	EntityType string `json:"entity_type"`
	EntityID   int64  `json:"entity_id"`
	Format     string `json:"format"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// ItemSnapshot is the cached rendering of the current item plus its images,
// served to clients asking what is being auctioned right now.
type ItemSnapshot struct {
	Item   Item        `json:"item"`
	Images []ImageInfo `json:"images"`
}
