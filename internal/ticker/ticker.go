// Package ticker pushes the periodic queue summary to connected agents.
package ticker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dennisdiepolder/livecall/internal/types"
	"github.com/rs/zerolog"
)

// StatsSource produces the queue summary
type StatsSource interface {
	Snapshot(ctx context.Context) (types.QueueStats, error)
}

// Broadcaster delivers a message to every connected client
type Broadcaster interface {
	Broadcast(message []byte) int
	Count() int
}

// Ticker periodically broadcasts queue_stats
type Ticker struct {
	source   StatsSource
	target   Broadcaster
	interval time.Duration
	logger   zerolog.Logger
}

// NewTicker creates a new Ticker
func NewTicker(source StatsSource, target Broadcaster, interval time.Duration, logger zerolog.Logger) *Ticker {
	return &Ticker{
		source:   source,
		target:   target,
		interval: interval,
		logger:   logger.With().Str("component", "ticker").Logger(),
	}
}

// Start broadcasts until ctx is cancelled
func (t *Ticker) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info().Dur("interval", t.interval).Msg("ticker started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("ticker stopped")
			return

		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *Ticker) tick(ctx context.Context) {
	// Nobody to tell
	if t.target.Count() == 0 {
		return
	}

	stats, err := t.source.Snapshot(ctx)
	if err != nil {
		t.logger.Error().Err(err).Msg("failed to build queue stats")
		return
	}

	data, err := json.Marshal(stats)
	if err != nil {
		t.logger.Error().Err(err).Msg("failed to marshal queue stats")
		return
	}

	sent := t.target.Broadcast(data)
	t.logger.Debug().
		Int("pending", stats.Pending).
		Int("clients", sent).
		Msg("broadcasted queue stats")
}
