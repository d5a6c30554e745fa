package metrics

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tomyedwab/enginehost/lifecycle"
)

var (
	registerOnce sync.Once

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enginehost",
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Lifecycle transitions by kind.",
		},
		[]string{"transition"},
	)
	runtimeAttached = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "enginehost",
			Subsystem: "lifecycle",
			Name:      "runtime_attached",
			Help:      "1 while a runtime instance is attached to the host.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enginehost",
			Subsystem: "control",
			Name:      "requests_total",
			Help:      "Total control API requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "enginehost",
			Subsystem: "control",
			Name:      "request_duration_seconds",
			Help:      "Control API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(transitions, runtimeAttached, httpRequests, httpDuration)
	})
}

// Recorder counts lifecycle transitions. It implements lifecycle.Recorder.
type Recorder struct{}

func (Recorder) Record(ctx context.Context, ev lifecycle.Event) error {
	RecordTransition(ev.Transition)
	return nil
}

func RecordTransition(t lifecycle.Transition) {
	RegisterMetrics()
	transitions.WithLabelValues(string(t)).Inc()

	switch {
	case t == lifecycle.TransitionCreated, t == lifecycle.TransitionReused:
		runtimeAttached.Set(1)
	case t == lifecycle.TransitionDetached, t == lifecycle.TransitionDestroyed, t.Terminal():
		runtimeAttached.Set(0)
	}
}

func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
}

var _ lifecycle.Recorder = Recorder{}
