package admission

import (
	"context"
	"errors"
	"time"

	"qcoord/internal/domain"
)

// DefaultQueueTimeout bounds how long a query waits for a slot.
const DefaultQueueTimeout = 300 * time.Second

// QueryQueueManager decides whether a query waits for admission.
type QueryQueueManager struct {
	provider *SlotProvider
	timeout  time.Duration
}

// NewQueryQueueManager returns a manager over provider.
func NewQueryQueueManager(provider *SlotProvider, timeout time.Duration) *QueryQueueManager {
	if timeout <= 0 {
		timeout = DefaultQueueTimeout
	}
	return &QueryQueueManager{provider: provider, timeout: timeout}
}

func (m *QueryQueueManager) Provider() *SlotProvider { return m.provider }

// MaybeWait blocks until slot is allocated when queueing applies. Queries
// that skip the queue return immediately and leave slot unallocated.
func (m *QueryQueueManager) MaybeWait(ctx context.Context, enabled bool, slot *LogicalSlot) error {
	if m == nil || !enabled || slot == nil {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.provider.RequireSlot(waitCtx, slot)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSlotCancelled):
		return domain.NewExecError(domain.KindUser, domain.CodeCancelled, "query was cancelled while queued")
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return domain.NewExecError(domain.KindTimeout, domain.CodeTimeout,
			"failed to allocate resource to query: pending timeout [%ds]", int(m.timeout.Seconds()))
	default:
		return err
	}
}
