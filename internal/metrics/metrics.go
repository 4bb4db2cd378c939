package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagging_events_total",
		Help: "Accepted scans by classified event type.",
	}, []string{"event_type"})

	PointsAwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tagging_points_awarded_total",
		Help: "Points credited through attendance confirmations.",
	})

	AwardReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tagging_award_replays_total",
		Help: "Confirmations answered from a prior award.",
	})

	ClassifyRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tagging_classify_retries_total",
		Help: "Classifications retried after a session write conflict.",
	})

	OpenSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tagging_open_sessions",
		Help: "Sessions currently checked in.",
	})

	StaleSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tagging_stale_sessions",
		Help: "Checked-in sessions older than the checkout threshold.",
	})
)
