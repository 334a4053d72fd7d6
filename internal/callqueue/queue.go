package callqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dennisdiepolder/livecall/internal/storage"
	"github.com/dennisdiepolder/livecall/internal/types"
	"github.com/dennisdiepolder/livecall/internal/verification"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultPendingLimit caps ListPending when the caller passes no limit
const DefaultPendingLimit = 50

// Queue owns call requests: creation, ordering and lookups. State changes
// after creation go through the Engine so the agent side moves with them.
type Queue struct {
	store        storage.Store
	lookup       verification.Lookup
	pendingLimit int
	sl           *SLTracker

	// mu serializes creation stamps so Seq is strictly increasing
	mu      sync.Mutex
	lastSeq int64

	now    func() time.Time
	logger zerolog.Logger
}

// NewQueue creates a new call queue
func NewQueue(store storage.Store, lookup verification.Lookup, pendingLimit int, slThreshold time.Duration, logger zerolog.Logger) *Queue {
	if pendingLimit <= 0 {
		pendingLimit = DefaultPendingLimit
	}
	return &Queue{
		store:        store,
		lookup:       lookup,
		pendingLimit: pendingLimit,
		sl:           NewSLTracker(slThreshold),
		now:          time.Now,
		logger:       logger.With().Str("component", "callqueue").Logger(),
	}
}

// Enqueue validates the verification reference and stores a pending call.
func (q *Queue) Enqueue(ctx context.Context, verificationID, customerID string, priority types.CallPriority) (types.CallRequest, error) {
	verificationID = strings.TrimSpace(verificationID)
	if verificationID == "" {
		return types.CallRequest{}, fmt.Errorf("%w: verificationId is required", types.ErrInvalidArgument)
	}
	if customerID == "" {
		return types.CallRequest{}, fmt.Errorf("%w: customerId is required", types.ErrInvalidArgument)
	}
	priority, err := types.ParsePriority(string(priority))
	if err != nil {
		return types.CallRequest{}, err
	}

	if _, err := q.lookup.GetVerification(ctx, verificationID); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return types.CallRequest{}, fmt.Errorf("verification %s: %w", verificationID, types.ErrInvalidReference)
		}
		return types.CallRequest{}, fmt.Errorf("failed to resolve verification: %w", err)
	}

	createdAt, seq := q.stamp()
	call := types.CallRequest{
		ID:             uuid.New().String(),
		VerificationID: verificationID,
		CustomerID:     customerID,
		Priority:       priority,
		Status:         types.CallStatusPending,
		Seq:            seq,
		CreatedAt:      createdAt,
	}
	if err := q.store.Apply(ctx, storage.Change{Calls: []*types.CallRequest{&call}}); err != nil {
		return types.CallRequest{}, fmt.Errorf("failed to store call: %w", err)
	}

	q.logger.Debug().
		Str("call_id", call.ID).
		Str("verification_id", verificationID).
		Str("priority", string(priority)).
		Msg("call enqueued")

	return call, nil
}

// stamp returns the creation time and a sequence number greater than any
// handed out before by this queue.
func (q *Queue) stamp() (time.Time, int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	seq := now.UnixNano()
	if seq <= q.lastSeq {
		seq = q.lastSeq + 1
	}
	q.lastSeq = seq
	return now, seq
}

// Get returns one call
func (q *Queue) Get(ctx context.Context, id string) (types.CallRequest, error) {
	return q.store.GetCall(ctx, id)
}

// ListPending returns pending calls in serving order: priority rank, then
// creation time, then sequence. limit <= 0 uses the configured default.
func (q *Queue) ListPending(ctx context.Context, limit int) ([]types.CallRequest, error) {
	if limit <= 0 {
		limit = q.pendingLimit
	}

	pending, err := q.store.ListCallsByStatus(ctx, types.CallStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending calls: %w", err)
	}
	SortPending(pending)

	if len(pending) > limit {
		pending = pending[:limit]
	}
	now := q.now()
	for i := range pending {
		pending[i].WaitSeconds = pending[i].WaitTime(now).Seconds()
	}
	return pending, nil
}

// SortPending orders calls the way the queue serves them
func SortPending(calls []types.CallRequest) {
	sort.SliceStable(calls, func(i, j int) bool {
		a, b := &calls[i], &calls[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra < rb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Seq < b.Seq
	})
}

// Depth returns the number of pending calls and the longest current wait
func (q *Queue) Depth(ctx context.Context) (int, time.Duration, error) {
	pending, err := q.store.ListCallsByStatus(ctx, types.CallStatusPending)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list pending calls: %w", err)
	}

	now := q.now()
	var longest time.Duration
	for i := range pending {
		if w := pending[i].WaitTime(now); w > longest {
			longest = w
		}
	}
	return len(pending), longest, nil
}

// ListByAgent returns the calls an agent was bound to, newest first,
// optionally narrowed to the given statuses.
func (q *Queue) ListByAgent(ctx context.Context, agentID string, statuses ...types.CallStatus) ([]types.CallRequest, error) {
	calls, err := q.store.ListCallsByAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent calls: %w", err)
	}

	if len(statuses) > 0 {
		keep := calls[:0]
		for _, c := range calls {
			for _, s := range statuses {
				if c.Status == s {
					keep = append(keep, c)
					break
				}
			}
		}
		calls = keep
	}

	sort.SliceStable(calls, func(i, j int) bool { return calls[i].Seq > calls[j].Seq })
	return calls, nil
}

// ServiceLevel returns the current service level snapshot
func (q *Queue) ServiceLevel() types.ServiceLevel {
	return q.sl.Snapshot()
}
