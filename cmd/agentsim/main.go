package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dennisdiepolder/livecall/internal/simulator"
	"github.com/dennisdiepolder/livecall/pkg/client"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// CLI flags
	var (
		backendURL   = flag.String("backend-url", "http://localhost:8080", "Backend URL (server must run with SKIP_AUTH=true)")
		agentCount   = flag.Int("agents", 10, "Number of simulated agents")
		callsPerMin  = flag.Float64("calls-per-min", 30, "Average call requests per minute")
		minTalk      = flag.Duration("min-talk", 5*time.Second, "Shortest simulated call")
		maxTalk      = flag.Duration("max-talk", 30*time.Second, "Longest simulated call")
		heartbeat    = flag.Duration("heartbeat", 10*time.Second, "Agent heartbeat interval")
		cancelChance = flag.Float64("cancel-chance", 0.05, "Share of customers that cancel while waiting")
		breakChance  = flag.Float64("break-chance", 0.1, "Share of calls followed by an agent break")
		duration     = flag.Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
		logLevel     = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	// Setup logger
	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Str("service", "agentsim").
		Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	probe := client.NewClient(*backendURL, client.Identity{UserID: "agentsim", Role: "admin"})
	if err := probe.Health(ctx); err != nil {
		logger.Fatal().Err(err).Str("backend_url", *backendURL).Msg("backend not reachable")
	}

	sim := simulator.New(simulator.Config{
		BackendURL:   *backendURL,
		Agents:       *agentCount,
		CallsPerMin:  *callsPerMin,
		MinTalkTime:  *minTalk,
		MaxTalkTime:  *maxTalk,
		Heartbeat:    *heartbeat,
		CancelChance: *cancelChance,
		BreakChance:  *breakChance,
		Seed:         time.Now().UnixNano(),
	}, logger)

	// Wait for interrupt signal
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigChan:
			logger.Info().Msg("shutting down agentsim")
			cancel()
		case <-ctx.Done():
		}
	}()

	// Report queue health while running
	go func() {
		t := time.NewTicker(15 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				stats, err := probe.Stats(ctx)
				if err != nil {
					logger.Warn().Err(err).Msg("failed to read queue stats")
					continue
				}
				logger.Info().
					Int("pending", stats.Pending).
					Int("available_agents", stats.AvailableAgents).
					Float64("service_level", stats.ServiceLevel.CurrentSL).
					Interface("sim", sim.Stats()).
					Msg("queue status")
			}
		}
	}()

	sim.Run(ctx)
}
