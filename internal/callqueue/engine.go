package callqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dennisdiepolder/livecall/internal/agents"
	"github.com/dennisdiepolder/livecall/internal/events"
	"github.com/dennisdiepolder/livecall/internal/lock"
	"github.com/dennisdiepolder/livecall/internal/metrics"
	"github.com/dennisdiepolder/livecall/internal/storage"
	"github.com/dennisdiepolder/livecall/internal/types"
	"github.com/rs/zerolog"
)

const writeAttempts = 5

// Actor is the authenticated caller of an engine operation
type Actor struct {
	ID         string
	Privileged bool // manager or admin
}

// Engine binds pending calls to available agents and drives the call
// lifecycle. Every call+agent write is one atomic store Change, and all
// assignment decisions are serialized.
type Engine struct {
	queue    *Queue
	agents   *agents.Registry
	store    storage.Store
	strategy RoutingStrategy
	locker   lock.Locker
	notify   *notifications
	events   events.Publisher
	metrics  *metrics.Metrics

	// mu serializes assignment inside the process; locker extends it
	// across instances
	mu sync.Mutex

	now    func() time.Time
	logger zerolog.Logger
}

// EngineOption configures optional collaborators
type EngineOption func(*Engine)

func WithStrategy(s RoutingStrategy) EngineOption { return func(e *Engine) { e.strategy = s } }
func WithLocker(l lock.Locker) EngineOption       { return func(e *Engine) { e.locker = l } }
func WithEvents(p events.Publisher) EngineOption  { return func(e *Engine) { e.events = p } }
func WithMetrics(m *metrics.Metrics) EngineOption { return func(e *Engine) { e.metrics = m } }

// WithNotifier sets where agent notifications are delivered
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notify.sender = n }
}

// NewEngine creates an engine over the queue's store
func NewEngine(queue *Queue, registry *agents.Registry, logger zerolog.Logger, opts ...EngineOption) *Engine {
	logger = logger.With().Str("component", "engine").Logger()
	e := &Engine{
		queue:    queue,
		agents:   registry,
		store:    queue.store,
		strategy: &FewestCallsFirst{},
		locker:   lock.Noop{},
		notify:   &notifications{sender: nopNotifier{}, logger: logger},
		events:   events.NewLogPublisher(logger),
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Queue returns the call queue the engine drives
func (e *Engine) Queue() *Queue { return e.queue }

// Agents returns the agent registry the engine assigns from
func (e *Engine) Agents() *agents.Registry { return e.agents }

func (e *Engine) acquire(ctx context.Context) (func(), error) {
	e.mu.Lock()
	unlock, err := e.locker.Lock(ctx)
	if err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("failed to acquire assignment lock: %w", err)
	}
	return func() {
		unlock()
		e.mu.Unlock()
	}, nil
}

// retry re-runs fn on version conflicts. A conflict that outlasts the
// attempts surfaces as an invalid transition.
func (e *Engine) retry(fn func() error) error {
	err := storage.RetryOnConflict(writeAttempts, func() error {
		err := fn()
		if errors.Is(err, storage.ErrConflict) {
			e.metrics.RecordConflict()
		}
		return err
	})
	if errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("%w: concurrent update, try again", types.ErrInvalidTransition)
	}
	return err
}

// Enqueue stores a new call, announces it and tries to place it at once.
// The returned call reflects an immediate assignment.
func (e *Engine) Enqueue(ctx context.Context, verificationID, customerID string, priority types.CallPriority) (types.CallRequest, error) {
	call, err := e.queue.Enqueue(ctx, verificationID, customerID, priority)
	if err != nil {
		return types.CallRequest{}, err
	}

	e.metrics.RecordEnqueued(string(call.Priority))
	e.publish(ctx, events.CallQueued, &call)
	e.notify.newCall(&call)

	assigned, err := e.AutoAssignNext(ctx)
	if err != nil {
		e.logger.Error().Err(err).Str("call_id", call.ID).Msg("auto-assign after enqueue failed")
	}
	if assigned != nil && assigned.ID == call.ID {
		return *assigned, nil
	}
	return call, nil
}

// AutoAssignNext binds the head of the queue to the best available agent.
// It returns nil when there is no pending call or no available agent.
func (e *Engine) AutoAssignNext(ctx context.Context) (*types.CallRequest, error) {
	unlock, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return e.autoAssignLocked(ctx)
}

func (e *Engine) autoAssignLocked(ctx context.Context) (*types.CallRequest, error) {
	var assigned *types.CallRequest
	err := e.retry(func() error {
		assigned = nil

		pending, err := e.queue.ListPending(ctx, 1)
		if err != nil || len(pending) == 0 {
			return err
		}
		available, err := e.agents.ListAvailable(ctx)
		if err != nil || len(available) == 0 {
			return err
		}
		agent := e.strategy.SelectAgent(available)
		if agent == nil {
			return nil
		}

		call := pending[0]
		call.WaitSeconds = 0
		if err := e.bind(ctx, &call, agent); err != nil {
			return err
		}
		assigned = &call
		return nil
	})
	return assigned, err
}

// AssignAgent force-binds a pending call to a specific agent. The agent
// need not be online but must not hold another call.
func (e *Engine) AssignAgent(ctx context.Context, callID, agentID string) (types.CallRequest, error) {
	unlock, err := e.acquire(ctx)
	if err != nil {
		return types.CallRequest{}, err
	}
	defer unlock()

	var result types.CallRequest
	err = e.retry(func() error {
		call, err := e.queue.Get(ctx, callID)
		if err != nil {
			return err
		}
		if call.Status != types.CallStatusPending {
			return fmt.Errorf("%w: call %s is %s", types.ErrInvalidTransition, callID, call.Status)
		}

		agent, err := e.agents.Get(ctx, agentID)
		if errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("%w: agent %s is not registered", types.ErrInvalidTransition, agentID)
		}
		if err != nil {
			return err
		}

		if err := e.bind(ctx, &call, &agent); err != nil {
			return err
		}
		result = call
		return nil
	})
	if err != nil {
		return types.CallRequest{}, err
	}

	e.logger.Info().
		Str("call_id", callID).
		Str("agent_id", agentID).
		Msg("call manually assigned")
	return result, nil
}

// bind writes call assigned and agent busy together, then records and
// announces the assignment.
func (e *Engine) bind(ctx context.Context, call *types.CallRequest, agent *types.AgentState) error {
	now := e.now()
	if err := call.MarkAssigned(agent.AgentID, now); err != nil {
		return err
	}
	if err := agent.Bind(call.ID, now); err != nil {
		return err
	}

	change := storage.Change{Calls: []*types.CallRequest{call}, Agents: []*types.AgentState{agent}}
	if err := e.store.Apply(ctx, change); err != nil {
		return err
	}

	wait := call.WaitTime(now)
	e.queue.sl.RecordAnswer(wait)
	e.metrics.RecordAssigned(wait)
	e.publish(ctx, events.CallAssigned, call)
	e.notify.assigned(call)

	e.logger.Debug().
		Str("call_id", call.ID).
		Str("agent_id", agent.AgentID).
		Float64("wait_time", wait.Seconds()).
		Msg("call routed to agent")
	return nil
}

// StartCall records that the agent connected to the customer
func (e *Engine) StartCall(ctx context.Context, callID string) (types.CallRequest, error) {
	unlock, err := e.acquire(ctx)
	if err != nil {
		return types.CallRequest{}, err
	}
	defer unlock()

	var result types.CallRequest
	err = e.retry(func() error {
		call, err := e.queue.Get(ctx, callID)
		if err != nil {
			return err
		}
		now := e.now()
		if err := call.MarkStarted(now); err != nil {
			return err
		}

		change := storage.Change{Calls: []*types.CallRequest{&call}}
		agent, err := e.boundAgent(ctx, &call)
		if err != nil {
			return err
		}
		if agent != nil {
			agent.Connect(call.ID, now)
			change.Agents = append(change.Agents, agent)
		}

		if err := e.store.Apply(ctx, change); err != nil {
			return err
		}
		result = call
		return nil
	})
	if err != nil {
		return types.CallRequest{}, err
	}

	e.publish(ctx, events.CallStarted, &result)
	return result, nil
}

// CompleteCall closes an in-progress call, frees the agent
// with one more call counted for today, and hands the agent the next call.
func (e *Engine) CompleteCall(ctx context.Context, callID, notes string) (types.CallRequest, error) {
	unlock, err := e.acquire(ctx)
	if err != nil {
		return types.CallRequest{}, err
	}
	defer unlock()

	var result types.CallRequest
	err = e.retry(func() error {
		call, err := e.queue.Get(ctx, callID)
		if err != nil {
			return err
		}
		now := e.now()
		if err := call.MarkCompleted(notes, now); err != nil {
			return err
		}

		change := storage.Change{Calls: []*types.CallRequest{&call}}
		agent, err := e.boundAgent(ctx, &call)
		if err != nil {
			return err
		}
		if agent != nil {
			agent.Release(true, now)
			change.Agents = append(change.Agents, agent)
		}

		if err := e.store.Apply(ctx, change); err != nil {
			return err
		}
		result = call
		return nil
	})
	if err != nil {
		return types.CallRequest{}, err
	}

	e.metrics.RecordCompleted()
	e.publish(ctx, events.CallCompleted, &result)
	e.notify.closed(types.MsgCallCompleted, &result)

	e.logger.Debug().
		Str("call_id", callID).
		Str("agent_id", result.AgentID).
		Msg("call completed")

	if _, err := e.autoAssignLocked(ctx); err != nil {
		e.logger.Error().Err(err).Msg("auto-assign after completion failed")
	}
	return result, nil
}

// CancelCall withdraws a call. Customers may cancel their own pending
// calls; managers and admins may also cancel assigned ones, which frees
// the agent.
func (e *Engine) CancelCall(ctx context.Context, callID string, actor Actor) (types.CallRequest, error) {
	unlock, err := e.acquire(ctx)
	if err != nil {
		return types.CallRequest{}, err
	}
	defer unlock()

	var (
		result   types.CallRequest
		released bool
	)
	err = e.retry(func() error {
		released = false
		call, err := e.queue.Get(ctx, callID)
		if err != nil {
			return err
		}
		if !actor.Privileged && call.CustomerID != actor.ID {
			return fmt.Errorf("%w: call %s belongs to another customer", types.ErrUnauthorized, callID)
		}
		if call.Status == types.CallStatusAssigned && !actor.Privileged {
			return fmt.Errorf("%w: call %s is already assigned", types.ErrInvalidTransition, callID)
		}

		wasAssigned := call.Status == types.CallStatusAssigned
		now := e.now()
		if err := call.MarkCancelled(now); err != nil {
			return err
		}

		change := storage.Change{Calls: []*types.CallRequest{&call}}
		if wasAssigned {
			agent, err := e.boundAgent(ctx, &call)
			if err != nil {
				return err
			}
			if agent != nil {
				agent.Release(false, now)
				change.Agents = append(change.Agents, agent)
				released = true
			}
		}

		if err := e.store.Apply(ctx, change); err != nil {
			return err
		}
		result = call
		return nil
	})
	if err != nil {
		return types.CallRequest{}, err
	}

	e.metrics.RecordCancelled()
	e.publish(ctx, events.CallCancelled, &result)
	e.notify.closed(types.MsgCallCancelled, &result)

	if released {
		if _, err := e.autoAssignLocked(ctx); err != nil {
			e.logger.Error().Err(err).Msg("auto-assign after cancellation failed")
		}
	}
	return result, nil
}

// boundAgent loads the agent record that currently holds call. It returns
// nil when the agent is gone or has moved on.
func (e *Engine) boundAgent(ctx context.Context, call *types.CallRequest) (*types.AgentState, error) {
	if call.AgentID == "" {
		return nil, nil
	}
	agent, err := e.agents.Get(ctx, call.AgentID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if agent.CurrentCallID != call.ID {
		e.logger.Warn().
			Str("call_id", call.ID).
			Str("agent_id", agent.AgentID).
			Str("current_call_id", agent.CurrentCallID).
			Msg("agent no longer bound to call")
		return nil, nil
	}
	return &agent, nil
}

// Heartbeat records an agent heartbeat. An agent that just became
// available is offered the head of the queue.
func (e *Engine) Heartbeat(ctx context.Context, agentID string, status types.AgentStatus) (types.AgentState, error) {
	wasAvailable := false
	if prev, err := e.agents.Get(ctx, agentID); err == nil {
		wasAvailable = e.agents.IsAvailable(&prev)
	}

	state, err := e.agents.Heartbeat(ctx, agentID, status)
	if err != nil {
		return types.AgentState{}, err
	}

	if !wasAvailable && e.agents.IsAvailable(&state) {
		if _, err := e.AutoAssignNext(ctx); err != nil {
			e.logger.Error().Err(err).Str("agent_id", agentID).Msg("auto-assign after heartbeat failed")
		}
		if fresh, err := e.agents.Get(ctx, agentID); err == nil {
			state = fresh
		}
	}
	return state, nil
}

// Snapshot summarizes the queue for dashboards and the stats broadcast
func (e *Engine) Snapshot(ctx context.Context) (types.QueueStats, error) {
	pending, longest, err := e.queue.Depth(ctx)
	if err != nil {
		return types.QueueStats{}, err
	}
	available, err := e.agents.ListAvailable(ctx)
	if err != nil {
		return types.QueueStats{}, err
	}

	return types.QueueStats{
		Type:            types.MsgQueueStats,
		Pending:         pending,
		LongestWaitSecs: longest.Seconds(),
		AvailableAgents: len(available),
		ServiceLevel:    e.queue.ServiceLevel(),
		Timestamp:       e.now(),
	}, nil
}

func (e *Engine) publish(ctx context.Context, eventType string, call *types.CallRequest) {
	if err := e.events.Publish(ctx, events.FromCall(eventType, call, e.now())); err != nil {
		e.logger.Warn().Err(err).Str("call_id", call.ID).Str("event", eventType).Msg("failed to publish call event")
	}
}
