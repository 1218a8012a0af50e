package challenge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var TimeTaken = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "gatebot_time_to_solve",
	Help:    "The time taken for a user to pick the right answer (seconds)",
	Buckets: prometheus.ExponentialBucketsRange(0.5, 600, 16),
}, []string{"method"})
