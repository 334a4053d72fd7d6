// Package simulator drives synthetic agents and customers against a
// running livecall server for load and smoke testing.
package simulator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dennisdiepolder/livecall/internal/types"
	"github.com/dennisdiepolder/livecall/pkg/client"
	"github.com/rs/zerolog"
)

// Config controls the simulated population
type Config struct {
	BackendURL   string
	Agents       int
	CallsPerMin  float64
	MinTalkTime  time.Duration
	MaxTalkTime  time.Duration
	Heartbeat    time.Duration
	CancelChance float64 // share of customers that give up before an agent answers
	BreakChance  float64 // share of completed calls followed by an offline break
	Seed         int64
}

// PriorityWeight pairs a priority with a relative weight for distribution
type PriorityWeight struct {
	Priority types.CallPriority
	Weight   float64
}

var defaultPriorities = []PriorityWeight{
	{Priority: types.PriorityUrgent, Weight: 1},
	{Priority: types.PriorityHigh, Weight: 2},
	{Priority: types.PriorityNormal, Weight: 6},
	{Priority: types.PriorityLow, Weight: 1},
}

// Stats are the running counters of a simulation
type Stats struct {
	Enqueued  int64 `json:"enqueued"`
	Completed int64 `json:"completed"`
	Cancelled int64 `json:"cancelled"`
	Failures  int64 `json:"failures"`
}

// Simulator runs agent workers and a call generator
type Simulator struct {
	cfg    Config
	rng    *rand.Rand
	rngMu  sync.Mutex
	logger zerolog.Logger

	enqueued  int64
	completed int64
	cancelled int64
	failures  int64
}

// New creates a new Simulator
func New(cfg Config, logger zerolog.Logger) *Simulator {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	if cfg.MaxTalkTime < cfg.MinTalkTime {
		cfg.MaxTalkTime = cfg.MinTalkTime
	}
	return &Simulator{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		logger: logger.With().Str("component", "simulator").Logger(),
	}
}

// Run starts every agent and the generator and blocks until ctx is done
func (s *Simulator) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for i := 1; i <= s.cfg.Agents; i++ {
		identity := client.Identity{UserID: fmt.Sprintf("sim-agent-%03d", i), Role: "agent"}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runAgent(ctx, identity)
		}()
	}

	if s.cfg.CallsPerMin > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.generateCalls(ctx)
		}()
	}

	s.logger.Info().
		Int("agents", s.cfg.Agents).
		Float64("calls_per_min", s.cfg.CallsPerMin).
		Msg("simulation started")

	wg.Wait()
	s.logger.Info().Interface("stats", s.Stats()).Msg("simulation stopped")
}

// Stats returns a snapshot of the counters
func (s *Simulator) Stats() Stats {
	return Stats{
		Enqueued:  atomic.LoadInt64(&s.enqueued),
		Completed: atomic.LoadInt64(&s.completed),
		Cancelled: atomic.LoadInt64(&s.cancelled),
		Failures:  atomic.LoadInt64(&s.failures),
	}
}

// runAgent keeps one agent online and works every call it is handed
func (s *Simulator) runAgent(ctx context.Context, identity client.Identity) {
	api := client.NewClient(s.cfg.BackendURL, identity)
	updates := client.NewUpdatesConn(s.cfg.BackendURL, identity, s.cfg.Heartbeat, s.logger)
	go updates.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-updates.Assignments():
			s.workCall(ctx, api, msg.CallID)
			if s.chance(s.cfg.BreakChance) {
				s.takeBreak(ctx, updates)
			}
		}
	}
}

// workCall connects, talks for a random time, then completes
func (s *Simulator) workCall(ctx context.Context, api *client.Client, callID string) {
	logger := s.logger.With().Str("agent_id", api.Identity().UserID).Str("call_id", callID).Logger()

	if _, err := api.StartCall(ctx, callID); err != nil {
		// The customer may have cancelled in the meantime
		logger.Debug().Err(err).Msg("start failed")
		atomic.AddInt64(&s.failures, 1)
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(s.talkTime()):
	}

	if _, err := api.CompleteCall(ctx, callID, "simulated verification"); err != nil {
		logger.Warn().Err(err).Msg("complete failed")
		atomic.AddInt64(&s.failures, 1)
		return
	}
	atomic.AddInt64(&s.completed, 1)
}

// takeBreak reports offline for one talk time, then comes back online
func (s *Simulator) takeBreak(ctx context.Context, updates *client.UpdatesConn) {
	updates.SetStatus(types.AgentStatusOffline)
	select {
	case <-ctx.Done():
		return
	case <-time.After(s.talkTime()):
	}
	updates.SetStatus(types.AgentStatusOnline)
}

// generateCalls enqueues calls at CallsPerMin with exponential spacing
func (s *Simulator) generateCalls(ctx context.Context) {
	meanGap := time.Duration(float64(time.Minute) / s.cfg.CallsPerMin)
	n := 0

	for {
		s.rngMu.Lock()
		gap := time.Duration(s.rng.ExpFloat64() * float64(meanGap))
		s.rngMu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(gap):
		}

		n++
		customer := client.NewClient(s.cfg.BackendURL, client.Identity{
			UserID: fmt.Sprintf("sim-customer-%05d", n),
			Role:   "customer",
		})
		go s.placeCall(ctx, customer, fmt.Sprintf("sim-ver-%05d", n))
	}
}

// placeCall enqueues one call and maybe gives up while still pending
func (s *Simulator) placeCall(ctx context.Context, customer *client.Client, verificationID string) {
	call, err := customer.Enqueue(ctx, verificationID, s.PickPriority())
	if err != nil {
		s.logger.Warn().Err(err).Str("verification_id", verificationID).Msg("enqueue failed")
		atomic.AddInt64(&s.failures, 1)
		return
	}
	atomic.AddInt64(&s.enqueued, 1)

	if call.Status != types.CallStatusPending || !s.chance(s.cfg.CancelChance) {
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(s.talkTime()):
	}

	if _, err := customer.CancelCall(ctx, call.ID); err == nil {
		atomic.AddInt64(&s.cancelled, 1)
	}
}

// PickPriority draws a priority from the weighted distribution
func (s *Simulator) PickPriority() types.CallPriority {
	total := 0.0
	for _, p := range defaultPriorities {
		total += p.Weight
	}

	s.rngMu.Lock()
	r := s.rng.Float64() * total
	s.rngMu.Unlock()

	for _, p := range defaultPriorities {
		r -= p.Weight
		if r < 0 {
			return p.Priority
		}
	}
	return types.PriorityNormal
}

func (s *Simulator) talkTime() time.Duration {
	span := s.cfg.MaxTalkTime - s.cfg.MinTalkTime
	if span <= 0 {
		return s.cfg.MinTalkTime
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.cfg.MinTalkTime + time.Duration(s.rng.Int63n(int64(span)))
}

func (s *Simulator) chance(p float64) bool {
	if p <= 0 {
		return false
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64() < p
}
