// Package metrics holds the Prometheus collectors for streaming requests. They are
// registered on a private registry and written out as a node-exporter textfile.
package metrics

import (
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yukin371/streamgate/pkg/utils"
)

var (
	Registry = prometheus.NewRegistry()

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamgate",
			Subsystem: "stream",
			Name:      "requests_total",
			Help:      "Total number of streaming requests by provider and final status",
		},
		[]string{"provider", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "streamgate",
			Subsystem: "stream",
			Name:      "request_duration_seconds",
			Help:      "Wall time of streaming requests in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"provider"},
	)

	ChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamgate",
			Subsystem: "stream",
			Name:      "chunks_total",
			Help:      "Text fragments delivered to the console",
		},
		[]string{"provider"},
	)

	ApproxTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamgate",
			Subsystem: "stream",
			Name:      "approx_tokens_total",
			Help:      "Character-count token estimates by direction",
		},
		[]string{"provider", "direction"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "streamgate",
			Subsystem: "stream",
			Name:      "in_flight",
			Help:      "Streaming requests started but not yet finished",
		},
		[]string{"provider"},
	)

	MalformedFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamgate",
			Subsystem: "stream",
			Name:      "malformed_frames_total",
			Help:      "Stream frames skipped because they could not be parsed",
		},
		[]string{"provider"},
	)
)

func init() {
	Registry.MustRegister(RequestsTotal, RequestDuration, ChunksTotal, ApproxTokensTotal, InFlight, MalformedFramesTotal)
}

// WriteTextfile writes the current values of Registry to path in the Prometheus text
// format. The file is replaced atomically.
func WriteTextfile(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := utils.EnsureDir(dir); err != nil {
			return fmt.Errorf("create metrics dir: %w", err)
		}
	}
	if err := prometheus.WriteToTextfile(path, Registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
