package service

import "errors"

var (
	// ErrAuctionNotTracked means the auction addressed by the operation is
	// not handled by this node; the caller should re-resolve routing and
	// retry elsewhere, not retry locally.
	ErrAuctionNotTracked = errors.New("auction not tracked on this node")

	// ErrAuctionNotActive means the auction has fully completed; callers
	// should stop polling.
	ErrAuctionNotActive = errors.New("auction not active")

	// ErrCurrentItemNotAvailable is the soft-timeout result for a
	// current-item query: no item became available within the wait bound.
	// Callers degrade (retry later) rather than fail.
	ErrCurrentItemNotAvailable = errors.New("current item not available")

	// ErrStoreUnavailable wraps transient persistence failures when loading
	// a current-item snapshot. The boundary above retries the whole
	// operation; this layer performs no retries itself.
	ErrStoreUnavailable = errors.New("item store unavailable")
)
