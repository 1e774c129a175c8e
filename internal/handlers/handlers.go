package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vmware/weathervane-sub002/internal/metrics"
	"github.com/vmware/weathervane-sub002/internal/models"
	"github.com/vmware/weathervane-sub002/internal/service"
)

const (
	// How long a long-poll request stays parked before the client is told
	// to retry with the same bid count.
	defaultPollTimeout = 30 * time.Second

	// Bounded retry for transient store contention on the current-item
	// path. The controller used to loop forever here; a bound keeps a
	// wedged store from turning into a liveness bug.
	storeRetryAttempts = 3
	storeRetryBackoff  = 100 * time.Millisecond
)

// Handler contains the HTTP request handlers for the bid service node.
type Handler struct {
	svc         *service.BidService
	validate    *validator.Validate
	log         *zap.Logger
	pollTimeout time.Duration
}

// NewHandler creates a new HTTP handler around the bid service facade.
func NewHandler(svc *service.BidService, pollTimeout time.Duration, log *zap.Logger) *Handler {
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	return &Handler{
		svc:         svc,
		validate:    validator.New(),
		log:         log,
		pollTimeout: pollTimeout,
	}
}

// SetupRoutes configures all HTTP routes.
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", h.HealthCheck).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/auctions/{auctionId}/bid", h.PostNewBid).Methods("POST")
	api.HandleFunc("/auctions/{auctionId}/items/{itemId}/bid/{lastBidCount}", h.GetNextBid).Methods("GET")
	api.HandleFunc("/auctions/{auctionId}/items/current", h.GetCurrentItem).Methods("GET")

	// Drain surface for orchestration tooling.
	api.HandleFunc("/live/master", h.IsMaster).Methods("GET")
	api.HandleFunc("/live/release", h.Release).Methods("POST")
	api.HandleFunc("/live/shutdown", h.PrepareForShutdown).Methods("POST")

	router.Use(h.loggingMiddleware)
	router.Use(corsMiddleware)

	return router
}

// HealthCheck returns service health status.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "bidservice",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// PostNewBid accepts a bid submission and publishes it to the bus.
func (h *Handler) PostNewBid(w http.ResponseWriter, r *http.Request) {
	auctionID, ok := pathID(w, r, "auctionId")
	if !ok {
		return
	}

	var req models.BidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.AuctionID = auctionID

	if err := h.validate.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	bid, err := h.svc.PostNewBid(r.Context(), &req)
	if err != nil {
		h.log.Error("failed to post bid", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to submit bid")
		return
	}

	respondJSON(w, http.StatusAccepted, models.BidResponse{
		Success: true,
		Message: "bid accepted",
		Bid:     bid,
	})
}

// GetNextBid serves the long-poll query: it answers immediately when a
// newer bid is cached and otherwise parks the connection on a completion
// handle until the dispatcher resolves it or the poll times out.
func (h *Handler) GetNextBid(w http.ResponseWriter, r *http.Request) {
	auctionID, ok := pathID(w, r, "auctionId")
	if !ok {
		return
	}
	itemID, ok := pathID(w, r, "itemId")
	if !ok {
		return
	}
	lastBidCount, err := strconv.Atoi(mux.Vars(r)["lastBidCount"])
	if err != nil || lastBidCount < 0 {
		respondError(w, http.StatusBadRequest, "invalid last bid count")
		return
	}

	bid, pending, err := h.svc.GetNextBid(auctionID, itemID, lastBidCount)
	if err != nil {
		// Auction unknown here: the client should re-resolve its routing.
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	if pending == nil {
		if bid == nil {
			// Draining with nothing cached: same signal as a poll timeout.
			w.WriteHeader(http.StatusNoContent)
			return
		}
		respondJSON(w, http.StatusOK, bid)
		return
	}

	select {
	case comp := <-pending.Done():
		if comp.Payload == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(comp.Payload)

	case <-time.After(h.pollTimeout):
		if !pending.Cancel() {
			// A completion won the race; serve it instead of dropping it.
			comp := <-pending.Done()
			if comp.Payload != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusOK)
				w.Write(comp.Payload)
				return
			}
		}
		metrics.LongPollsCompleted.WithLabelValues("cancelled").Inc()
		w.WriteHeader(http.StatusNoContent)

	case <-r.Context().Done():
		if !pending.Cancel() {
			<-pending.Done()
		}
		metrics.LongPollsCompleted.WithLabelValues("cancelled").Inc()
	}
}

// GetCurrentItem returns the snapshot of the item currently being
// auctioned. Transient store contention is retried here with backoff; the
// core below never retries.
func (h *Handler) GetCurrentItem(w http.ResponseWriter, r *http.Request) {
	auctionID, ok := pathID(w, r, "auctionId")
	if !ok {
		return
	}

	var snapshot *models.ItemSnapshot
	var err error
	for attempt := 1; attempt <= storeRetryAttempts; attempt++ {
		snapshot, err = h.svc.GetCurrentItem(r.Context(), auctionID)
		if !errors.Is(err, service.ErrStoreUnavailable) {
			break
		}
		h.log.Warn("transient store failure loading current item",
			zap.Int64("auctionId", auctionID), zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(time.Duration(attempt) * storeRetryBackoff)
	}

	switch {
	case errors.Is(err, service.ErrAuctionNotActive):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrCurrentItemNotAvailable):
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		h.log.Error("failed to load current item", zap.Int64("auctionId", auctionID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load current item")
	default:
		respondJSON(w, http.StatusOK, snapshot)
	}
}

// IsMaster reports whether this node is the cluster master.
func (h *Handler) IsMaster(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]bool{"master": h.svc.IsMaster()})
}

// Release flushes all parked long-polls so connections can drain.
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	h.svc.ReleaseGetNextBid()
	respondJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// PrepareForShutdown drains the node ahead of removal from the cluster.
func (h *Handler) PrepareForShutdown(w http.ResponseWriter, r *http.Request) {
	h.svc.PrepareForShutdown()
	respondJSON(w, http.StatusOK, map[string]string{"status": "draining"})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{
		"error": message,
	})
}

// loggingMiddleware logs all HTTP requests.
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("uri", r.RequestURI),
			zap.Duration("duration", time.Since(start)))
	})
}

// corsMiddleware adds CORS headers (for development).
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
