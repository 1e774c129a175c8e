// Package archive drains accepted-bid events from the JetStream archival
// stream into PostgreSQL. The write path never depends on this pipeline.
package archive

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/vmware/weathervane-sub002/internal/models"
)

// EventSink persists one accepted-bid event; it must be idempotent since
// JetStream delivers at least once.
type EventSink interface {
	InsertBidEvent(ctx context.Context, bid *models.HighBid) error
}

// Consumer pulls bid events from the archival stream and persists them.
type Consumer struct {
	consumer jetstream.Consumer
	sink     EventSink
	log      *zap.Logger
}

// NewConsumer wires a JetStream consumer to a persistence sink.
func NewConsumer(consumer jetstream.Consumer, sink EventSink, log *zap.Logger) *Consumer {
	return &Consumer{
		consumer: consumer,
		sink:     sink,
		log:      log,
	}
}

// Start begins consuming and blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	cc, err := c.consumer.Consume(func(msg jetstream.Msg) {
		c.handleMessage(ctx, msg)
	})
	if err != nil {
		return err
	}
	c.log.Info("consuming archival events")

	<-ctx.Done()
	cc.Stop()
	return nil
}

func (c *Consumer) handleMessage(ctx context.Context, msg jetstream.Msg) {
	var bid models.HighBid
	if err := json.Unmarshal(msg.Data(), &bid); err != nil {
		c.log.Warn("failed to unmarshal bid event", zap.Error(err))
		msg.Term()
		return
	}

	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := c.sink.InsertBidEvent(dbCtx, &bid); err != nil {
		// Leave unacked; JetStream redelivers.
		c.log.Error("failed to persist bid event",
			zap.String("bidId", bid.ID), zap.Error(err))
		msg.Nak()
		return
	}

	c.log.Debug("persisted bid event",
		zap.String("bidId", bid.ID),
		zap.Int64("auctionId", bid.AuctionID),
		zap.Float64("amount", bid.Amount))

	msg.Ack()
}
