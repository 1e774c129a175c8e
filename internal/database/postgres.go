// Package database is the gateway to the durable record of items and active
// high bids. It is read at node startup/recovery and written by the archival
// pipeline; the in-memory coordinators never write through it.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/vmware/weathervane-sub002/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Client wraps the PostgreSQL connection.
type Client struct {
	db      *sql.DB
	builder sq.StatementBuilderType
	log     *zap.Logger
}

// NewClient opens and pings the database.
func NewClient(connStr string, log *zap.Logger) (*Client, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Client{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		log:     log,
	}, nil
}

// InitSchema creates the tables this service reads and the archival
// pipeline writes.
func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		id BIGINT PRIMARY KEY,
		auction_id BIGINT NOT NULL,
		name VARCHAR(255) NOT NULL,
		description TEXT,
		start_price DECIMAL(10, 2) NOT NULL,
		state VARCHAR(50) DEFAULT 'OPEN',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS high_bids (
		auction_id BIGINT NOT NULL,
		item_id BIGINT NOT NULL,
		bid_count INT NOT NULL,
		bidding_state VARCHAR(50) NOT NULL,
		amount DECIMAL(10, 2) NOT NULL,
		bidder_id VARCHAR(255),
		node_id VARCHAR(255),
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (auction_id, item_id)
	);

	CREATE TABLE IF NOT EXISTS bid_events (
		id VARCHAR(255) PRIMARY KEY,
		auction_id BIGINT NOT NULL,
		item_id BIGINT NOT NULL,
		bidder_id VARCHAR(255) NOT NULL,
		amount DECIMAL(10, 2) NOT NULL,
		node_id VARCHAR(255),
		timestamp TIMESTAMP NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_items_auction_id ON items(auction_id);
	CREATE INDEX IF NOT EXISTS idx_bid_events_item_id ON bid_events(item_id);
	`

	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	c.log.Info("database schema initialized")
	return nil
}

// GetActiveHighBids returns the high bids for items that have not yet sold.
// Coordinators are rebuilt from these records on startup.
func (c *Client) GetActiveHighBids(ctx context.Context) ([]*models.HighBid, error) {
	query := c.builder.
		Select("auction_id", "item_id", "bid_count", "bidding_state", "amount", "bidder_id", "node_id", "updated_at").
		From("high_bids").
		Where(sq.NotEq{"bidding_state": models.BiddingStateSold})

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query active high bids: %w", err)
	}
	defer rows.Close()

	return scanHighBids(rows)
}

// FindHighBidsByAuctionID returns all high-bid records for one auction.
func (c *Client) FindHighBidsByAuctionID(ctx context.Context, auctionID int64) ([]*models.HighBid, error) {
	query := c.builder.
		Select("auction_id", "item_id", "bid_count", "bidding_state", "amount", "bidder_id", "node_id", "updated_at").
		From("high_bids").
		Where(sq.Eq{"auction_id": auctionID}).
		OrderBy("item_id")

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query high bids: %w", err)
	}
	defer rows.Close()

	return scanHighBids(rows)
}

func scanHighBids(rows *sql.Rows) ([]*models.HighBid, error) {
	var bids []*models.HighBid
	for rows.Next() {
		bid := &models.HighBid{}
		var bidderID, nodeID sql.NullString
		err := rows.Scan(
			&bid.AuctionID,
			&bid.ItemID,
			&bid.BidCount,
			&bid.BiddingState,
			&bid.Amount,
			&bidderID,
			&nodeID,
			&bid.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan high bid: %w", err)
		}
		bid.BidderID = bidderID.String
		bid.NodeID = nodeID.String
		bids = append(bids, bid)
	}
	return bids, rows.Err()
}

// GetItem loads one item by id. Returns ErrNotFound when the item does not
// exist.
func (c *Client) GetItem(ctx context.Context, itemID int64) (*models.Item, error) {
	query := c.builder.
		Select("id", "auction_id", "name", "description", "start_price", "state", "created_at", "updated_at").
		From("items").
		Where(sq.Eq{"id": itemID})

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	item := &models.Item{}
	var description sql.NullString
	err = c.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&item.ID,
		&item.AuctionID,
		&item.Name,
		&description,
		&item.StartPrice,
		&item.State,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query item %d: %w", itemID, err)
	}
	item.Description = description.String

	return item, nil
}

// InsertItem writes one item row. Reseeding an existing id leaves the row
// alone, so a seeder can run against a populated database.
func (c *Client) InsertItem(ctx context.Context, item *models.Item) error {
	query := c.builder.
		Insert("items").
		Columns("id", "auction_id", "name", "description", "start_price", "state").
		Values(item.ID, item.AuctionID, item.Name, item.Description, item.StartPrice, item.State).
		Suffix("ON CONFLICT (id) DO NOTHING")

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}

	if _, err := c.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("failed to insert item %d: %w", item.ID, err)
	}
	return nil
}

// InsertBidEvent records one accepted bid. Duplicate deliveries are ignored;
// the bus is at-least-once and the sink must stay idempotent.
func (c *Client) InsertBidEvent(ctx context.Context, bid *models.HighBid) error {
	query := c.builder.
		Insert("bid_events").
		Columns("id", "auction_id", "item_id", "bidder_id", "amount", "node_id", "timestamp").
		Values(bid.ID, bid.AuctionID, bid.ItemID, bid.BidderID, bid.Amount, bid.NodeID, bid.Timestamp).
		Suffix("ON CONFLICT (id) DO NOTHING")

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}

	if _, err := c.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("failed to insert bid event: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (c *Client) Close() error {
	return c.db.Close()
}
