// Package websocket carries the live bid feed: every authoritative high
// bid delivered by the bus fans out to the clients watching its auction.
package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vmware/weathervane-sub002/internal/metrics"
)

// Manager manages all live-feed WebSocket connections.
type Manager struct {
	log *zap.Logger

	// auctionID -> set of clients watching that auction.
	subscribers sync.Map // map[int64]*sync.Map

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
}

// Client represents one WebSocket client connection.
type Client struct {
	ID        string
	AuctionID int64
	Conn      *websocket.Conn
	Send      chan []byte
}

// BroadcastMessage is a serialized high bid addressed to one auction's
// watchers.
type BroadcastMessage struct {
	AuctionID int64
	Payload   []byte
}

// NewManager creates a new WebSocket manager.
func NewManager(log *zap.Logger) *Manager {
	return &Manager{
		log:        log,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
	}
}

// Run starts the manager's main loop. Run in a goroutine.
func (m *Manager) Run() {
	for {
		select {
		case client := <-m.register:
			m.registerClient(client)

		case client := <-m.unregister:
			m.unregisterClient(client)

		case message := <-m.broadcast:
			m.broadcastToAuction(message.AuctionID, message.Payload)
		}
	}
}

// RegisterClient adds a client to the manager.
func (m *Manager) RegisterClient(client *Client) {
	m.register <- client
}

// UnregisterClient removes a client from the manager.
func (m *Manager) UnregisterClient(client *Client) {
	m.unregister <- client
}

// Broadcast sends a payload to every client watching an auction.
func (m *Manager) Broadcast(auctionID int64, payload []byte) {
	m.broadcast <- &BroadcastMessage{
		AuctionID: auctionID,
		Payload:   payload,
	}
}

func (m *Manager) registerClient(client *Client) {
	subscribers, _ := m.subscribers.LoadOrStore(client.AuctionID, &sync.Map{})
	subscribers.(*sync.Map).Store(client, true)
	metrics.WebsocketClients.Inc()

	m.log.Debug("client subscribed",
		zap.String("clientId", client.ID), zap.Int64("auctionId", client.AuctionID))

	go client.writePump()
}

func (m *Manager) unregisterClient(client *Client) {
	subscribers, ok := m.subscribers.Load(client.AuctionID)
	if !ok {
		return
	}
	// A slow client can be dropped by the fan-out while its read pump is
	// also unregistering it; only the first removal closes the channel.
	if _, present := subscribers.(*sync.Map).LoadAndDelete(client); !present {
		return
	}

	close(client.Send)
	client.Conn.Close()
	metrics.WebsocketClients.Dec()

	m.log.Debug("client unsubscribed",
		zap.String("clientId", client.ID), zap.Int64("auctionId", client.AuctionID))
}

func (m *Manager) broadcastToAuction(auctionID int64, payload []byte) {
	subscribers, ok := m.subscribers.Load(auctionID)
	if !ok {
		return
	}

	subscribers.(*sync.Map).Range(func(key, _ interface{}) bool {
		client := key.(*Client)
		select {
		case client.Send <- payload:
		default:
			// Slow client; drop it rather than stall the fan-out. Direct
			// call: the run loop cannot send to its own unregister channel.
			m.unregisterClient(client)
		}
		return true
	})
}

// SubscriberCount returns the number of clients watching an auction.
func (m *Manager) SubscriberCount(auctionID int64) int {
	subscribers, ok := m.subscribers.Load(auctionID)
	if !ok {
		return 0
	}
	count := 0
	subscribers.(*sync.Map).Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// writePump pumps messages from the Send channel to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes client frames so pongs and disconnects are noticed.
func (c *Client) readPump(unregister chan *Client) {
	defer func() {
		unregister <- c
	}()

	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			return
		}
	}
}

// StartReadPump starts the read pump for this client.
func (c *Client) StartReadPump(unregister chan *Client) {
	go c.readPump(unregister)
}
