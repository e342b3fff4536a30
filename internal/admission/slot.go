// Package admission gates how many queries run at once. A query requires a
// LogicalSlot before it is scheduled and releases it exactly once.
package admission

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"qcoord/internal/domain"
)

// SlotState is the lifecycle of a LogicalSlot.
type SlotState int

const (
	SlotCreated SlotState = iota
	SlotRequiring
	SlotAllocated
	SlotCancelled
	SlotReleased
)

func (s SlotState) String() string {
	switch s {
	case SlotCreated:
		return "CREATED"
	case SlotRequiring:
		return "REQUIRING"
	case SlotAllocated:
		return "ALLOCATED"
	case SlotCancelled:
		return "CANCELLED"
	case SlotReleased:
		return "RELEASED"
	default:
		return "UNKNOWN"
	}
}

// LogicalSlot is one query's admission grant.
type LogicalSlot struct {
	ID        string
	QueryID   domain.UniqueID
	GroupName string
	Slots     int64
	// MaxDOP caps the pipeline degree of parallelism once allocated; zero
	// means no cap.
	MaxDOP int

	state      SlotState
	cancelWait context.CancelFunc
	createdAt  time.Time
}

// NewLogicalSlot returns a slot requesting n units for queryID.
func NewLogicalSlot(queryID domain.UniqueID, group string, n int64) *LogicalSlot {
	if n <= 0 {
		n = 1
	}
	return &LogicalSlot{
		ID:        uuid.NewString(),
		QueryID:   queryID,
		GroupName: group,
		Slots:     n,
		createdAt: time.Now(),
	}
}

// ErrSlotCancelled is returned by RequireSlot when the requirement was
// cancelled while waiting.
var ErrSlotCancelled = errors.New("slot requirement cancelled")

// SlotProvider hands out slots from a fixed capacity.
type SlotProvider struct {
	sem      *semaphore.Weighted
	capacity int64
	logger   *slog.Logger

	mu    sync.Mutex
	slots map[string]*LogicalSlot
	inUse int64
}

// NewSlotProvider returns a provider with capacity units.
func NewSlotProvider(capacity int64, logger *slog.Logger) *SlotProvider {
	if capacity <= 0 {
		capacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SlotProvider{
		sem:      semaphore.NewWeighted(capacity),
		capacity: capacity,
		logger:   logger,
		slots:    make(map[string]*LogicalSlot),
	}
}

// RequireSlot blocks until the slot is allocated, ctx ends or the
// requirement is cancelled.
func (p *SlotProvider) RequireSlot(ctx context.Context, slot *LogicalSlot) error {
	if slot.Slots > p.capacity {
		return domain.NewExecError(domain.KindUser, domain.CodeInternalError,
			"query requires %d slots but the queue only has %d", slot.Slots, p.capacity)
	}

	p.mu.Lock()
	if slot.state != SlotCreated {
		state := slot.state
		p.mu.Unlock()
		if state == SlotCancelled {
			return ErrSlotCancelled
		}
		return domain.NewExecError(domain.KindInternal, domain.CodeInternalError, "slot %s is %s", slot.ID, state)
	}
	waitCtx, cancel := context.WithCancel(ctx)
	slot.state = SlotRequiring
	slot.cancelWait = cancel
	p.slots[slot.ID] = slot
	p.mu.Unlock()
	defer cancel()

	err := p.sem.Acquire(waitCtx, slot.Slots)

	p.mu.Lock()
	defer p.mu.Unlock()
	slot.cancelWait = nil
	if err != nil {
		delete(p.slots, slot.ID)
		if slot.state == SlotCancelled {
			return ErrSlotCancelled
		}
		slot.state = SlotCancelled
		return err
	}
	if slot.state == SlotCancelled {
		// cancelled after the semaphore granted it
		p.sem.Release(slot.Slots)
		delete(p.slots, slot.ID)
		return ErrSlotCancelled
	}
	slot.state = SlotAllocated
	p.inUse += slot.Slots
	return nil
}

// CancelSlotRequirement aborts a pending RequireSlot. It has no effect on
// allocated or released slots.
func (p *SlotProvider) CancelSlotRequirement(slot *LogicalSlot) {
	if slot == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch slot.state {
	case SlotCreated:
		slot.state = SlotCancelled
	case SlotRequiring:
		slot.state = SlotCancelled
		if slot.cancelWait != nil {
			slot.cancelWait()
		}
	}
}

// ReleaseSlot returns an allocated slot. Releasing twice, or releasing a
// slot that was never allocated, is a no-op.
func (p *SlotProvider) ReleaseSlot(slot *LogicalSlot) {
	if slot == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot.state != SlotAllocated {
		return
	}
	slot.state = SlotReleased
	p.inUse -= slot.Slots
	delete(p.slots, slot.ID)
	p.sem.Release(slot.Slots)
	p.logger.Debug("slot released", "query_id", slot.QueryID.String(), "slots", slot.Slots,
		"held", time.Since(slot.createdAt).String())
}

// State returns the slot's state.
func (p *SlotProvider) State(slot *LogicalSlot) SlotState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slot.state
}

func (p *SlotProvider) Capacity() int64 { return p.capacity }

// InUse returns the allocated units.
func (p *SlotProvider) InUse() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// SlotView is a listing entry.
type SlotView struct {
	ID      string `json:"id"`
	QueryID string `json:"query_id"`
	Group   string `json:"group"`
	Slots   int64  `json:"slots"`
	State   string `json:"state"`
}

// Slots lists requiring and allocated slots ordered by creation.
func (p *SlotProvider) Slots() []SlotView {
	p.mu.Lock()
	defer p.mu.Unlock()
	all := make([]*LogicalSlot, 0, len(p.slots))
	for _, s := range p.slots {
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].createdAt.Before(all[j].createdAt) })
	out := make([]SlotView, 0, len(all))
	for _, s := range all {
		out = append(out, SlotView{ID: s.ID, QueryID: s.QueryID.String(), Group: s.GroupName, Slots: s.Slots, State: s.state.String()})
	}
	return out
}
