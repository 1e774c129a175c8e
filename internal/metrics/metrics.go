package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BidsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bidservice_bids_submitted_total",
		Help: "Total bids accepted and published to the broadcast bus",
	})

	HighBidMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidservice_highbid_messages_total",
		Help: "Bus-delivered high-bid messages by reconciliation result",
	}, []string{"result"}) // applied, stale, mismatched

	LongPollsParked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bidservice_longpolls_parked_total",
		Help: "Long-poll requests parked waiting for a newer bid",
	})

	LongPollsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidservice_longpolls_completed_total",
		Help: "Long-poll completions by outcome",
	}, []string{"outcome"}) // delivered, cancelled

	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bidservice_websocket_clients",
		Help: "Currently connected WebSocket live-feed clients",
	})
)
