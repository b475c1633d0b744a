// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/aiku/telematrix/pkg/connector/database"
)

// Event sides used as the side label.
const (
	SideMatrix   = "matrix"
	SideTelegram = "telegram"
)

// Metrics holds the bridge's Prometheus collectors.
type Metrics struct {
	Events         *prometheus.CounterVec
	Provisions     *prometheus.CounterVec
	RelayFailures  *prometheus.CounterVec
	Correlations   prometheus.Counter
	ProfileUpdates prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telematrix",
			Name:      "events_total",
			Help:      "Inbound events by side, kind and outcome.",
		}, []string{"side", "kind", "outcome"}),
		Provisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telematrix",
			Name:      "ghost_provisions_total",
			Help:      "Ghost provisioning attempts triggered by permission errors.",
		}, []string{"result"}),
		RelayFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telematrix",
			Name:      "media_relay_failures_total",
			Help:      "Failed attachment relays by stage.",
		}, []string{"stage"}),
		Correlations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telematrix",
			Name:      "correlations_total",
			Help:      "Message correlations recorded.",
		}),
		ProfileUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telematrix",
			Name:      "ghost_profile_updates_total",
			Help:      "Ghost display name and avatar updates.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Events, m.Provisions, m.RelayFailures, m.Correlations, m.ProfileUpdates)
	}
	return m
}

// storedCorrelationsTimeout bounds the count query run on each scrape.
const storedCorrelationsTimeout = 5 * time.Second

// NewStoredCorrelationsGauge reports the number of correlation rows in the
// store. Correlations are never evicted, so this tracks the table's growth.
func NewStoredCorrelationsGauge(db *database.Database, log zerolog.Logger) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "telematrix",
		Name:      "correlations_stored",
		Help:      "Message correlations currently stored.",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), storedCorrelationsTimeout)
		defer cancel()
		count, err := db.Message.Count(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to count stored correlations")
			return 0
		}
		return float64(count)
	})
}
