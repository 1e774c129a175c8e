package websocket

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow all origins for development (use proper CORS in production).
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades live-feed connections.
type Handler struct {
	manager *Manager
	log     *zap.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(manager *Manager, log *zap.Logger) *Handler {
	return &Handler{
		manager: manager,
		log:     log,
	}
}

// Register adds the WebSocket routes to an existing router.
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/ws/auctions/{auctionId}", h.HandleWebSocket)
	router.HandleFunc("/ws/auctions/{auctionId}/stats", h.GetStats).Methods("GET")
}

// HandleWebSocket upgrades the HTTP connection and subscribes it to an
// auction's bid feed.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	auctionID, err := strconv.ParseInt(mux.Vars(r)["auctionId"], 10, 64)
	if err != nil || auctionID <= 0 {
		http.Error(w, "invalid auction id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:        uuid.New().String(),
		AuctionID: auctionID,
		Conn:      conn,
		Send:      make(chan []byte, 256),
	}

	h.manager.RegisterClient(client)
	client.StartReadPump(h.manager.unregister)

	welcome := fmt.Sprintf(`{"type":"connected","auctionId":%d,"clientId":"%s"}`, auctionID, client.ID)
	client.Send <- []byte(welcome)
}

// GetStats returns watcher statistics for an auction.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	auctionID, err := strconv.ParseInt(mux.Vars(r)["auctionId"], 10, 64)
	if err != nil {
		http.Error(w, "invalid auction id", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"auctionId":%d,"subscribers":%d}`, auctionID, h.manager.SubscriberCount(auctionID))
}
