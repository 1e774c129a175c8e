// Package bus is the broadcast transport for high-bid events. Every node
// publishes client-submitted bids and its locally-computed authoritative
// high bids on one NATS subject space, routed by auction id; every node
// subscribes to the whole space.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/vmware/weathervane-sub002/internal/models"
)

const (
	// Core NATS subject space for bid distribution.
	highBidSubjectPrefix = "newBid."
	highBidWildcard      = "newBid.*"

	// JetStream stream for the archival pipeline.
	archiveStream        = "BID_EVENTS"
	archiveSubjectPrefix = "bid.archive."
	archiveWildcard      = "bid.archive.*"
)

// Handler receives a decoded high-bid message from the bus.
type Handler func(bid *models.HighBid)

// Bus wraps the NATS connection with bid-specific publish and subscribe
// operations, plus the JetStream context used for archival.
type Bus struct {
	log  *zap.Logger
	conn *nats.Conn
	js   jetstream.JetStream
	sub  *nats.Subscription
}

// Connect dials NATS and ensures the archival stream exists.
func Connect(url string, log *zap.Logger) (*Bus, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        archiveStream,
		Description: "Stream for accepted-bid archival",
		Subjects:    []string{archiveWildcard},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      24 * time.Hour,
		Replicas:    1,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create/update stream: %w", err)
	}

	return &Bus{
		log:  log,
		conn: conn,
		js:   js,
	}, nil
}

// PublishHighBid broadcasts a high-bid event tagged with its auction id.
func (b *Bus) PublishHighBid(bid *models.HighBid) error {
	data, err := json.Marshal(bid)
	if err != nil {
		return fmt.Errorf("failed to marshal high bid: %w", err)
	}

	subject := highBidSubjectPrefix + strconv.FormatInt(bid.AuctionID, 10)
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish high bid: %w", err)
	}
	return nil
}

// Subscribe delivers every high-bid event on the bus to handler. Decode
// failures are logged and dropped.
func (b *Bus) Subscribe(handler Handler) error {
	sub, err := b.conn.Subscribe(highBidWildcard, func(msg *nats.Msg) {
		var bid models.HighBid
		if err := json.Unmarshal(msg.Data, &bid); err != nil {
			b.log.Warn("dropping undecodable high-bid message",
				zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		handler(&bid)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", highBidWildcard, err)
	}

	b.sub = sub
	b.log.Info("subscribed to high-bid events", zap.String("subject", highBidWildcard))
	return nil
}

// PublishArchival publishes an accepted bid to the JetStream archival
// stream. The publish waits for a server ack so the event is persisted
// before returning.
func (b *Bus) PublishArchival(ctx context.Context, bid *models.HighBid) error {
	data, err := json.Marshal(bid)
	if err != nil {
		return fmt.Errorf("failed to marshal bid event: %w", err)
	}

	subject := archiveSubjectPrefix + strconv.FormatInt(bid.AuctionID, 10)
	ack, err := b.js.Publish(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish to JetStream: %w", err)
	}

	b.log.Debug("published archival event",
		zap.String("subject", subject), zap.Uint64("seq", ack.Sequence))
	return nil
}

// ArchivalConsumer creates or looks up the durable consumer the archiver
// binary drains the stream with.
func (b *Bus) ArchivalConsumer(ctx context.Context) (jetstream.Consumer, error) {
	cons, err := b.js.CreateOrUpdateConsumer(ctx, archiveStream, jetstream.ConsumerConfig{
		Durable:       "archiver",
		FilterSubject: archiveWildcard,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create archival consumer: %w", err)
	}
	return cons, nil
}

// Close unsubscribes and closes the connection.
func (b *Bus) Close() {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	b.conn.Close()
}
