package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"qcoord/internal/compute"
	computeproto "qcoord/internal/compute/proto"
	"qcoord/internal/domain"
	"qcoord/internal/execdag"
)

// RowBatch is one batch of result rows. EOS marks the last batch, which
// carries no rows.
type RowBatch struct {
	Columns []string
	Rows    [][]string
	EOS     bool
}

// NumRows returns the number of rows in the batch.
func (b *RowBatch) NumRows() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// ResultReceiver pulls result batches from the root fragment instance.
type ResultReceiver struct {
	backend    compute.BackendClient
	address    string
	queryID    domain.UniqueID
	instanceID domain.UniqueID
	timeout    time.Duration

	cancelled atomic.Bool

	mu      sync.Mutex
	seq     int64
	columns []string
}

// NewResultReceiver fetches from inst. Each fetch waits at most timeout.
func NewResultReceiver(backend compute.BackendClient, queryID domain.UniqueID, inst *execdag.FragmentInstance, timeout time.Duration) *ResultReceiver {
	return &ResultReceiver{
		backend:    backend,
		address:    inst.Address(),
		queryID:    queryID,
		instanceID: inst.InstanceID(),
		timeout:    timeout,
	}
}

// Cancel makes every later GetNext fail with CANCELLED.
func (r *ResultReceiver) Cancel() { r.cancelled.Store(true) }

func (r *ResultReceiver) IsCancelled() bool { return r.cancelled.Load() }

// GetNext fetches the next batch. Fetches are serialized so packet
// sequence numbers stay in order.
func (r *ResultReceiver) GetNext(ctx context.Context) (*RowBatch, domain.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled.Load() {
		return nil, domain.Cancelled("cancelled")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	resp, err := r.backend.FetchData(ctx, r.address, &computeproto.FetchDataRequest{
		QueryId:            r.queryID,
		FragmentInstanceId: r.instanceID,
		PacketSeq:          r.seq,
	})
	if err != nil {
		if r.cancelled.Load() {
			return nil, domain.Cancelled("cancelled")
		}
		return nil, compute.StatusFromError(err)
	}
	if !resp.Status.OK() {
		return nil, resp.Status
	}
	if resp.PacketSeq != r.seq {
		return nil, domain.InternalError("receive error packet")
	}
	r.seq++
	if len(resp.Columns) > 0 {
		r.columns = resp.Columns
	}
	batch := &RowBatch{Columns: r.columns, EOS: resp.Eos}
	for _, row := range resp.Rows {
		batch.Rows = append(batch.Rows, row.Values)
	}
	return batch, domain.StatusOK
}

// GetNext returns the next result batch of the query. A failed query
// returns the classified error from dealStatusToTryRetry.
func (c *Coordinator) GetNext(ctx context.Context) (*RowBatch, error) {
	if c.isShortCircuit {
		return c.shortCircuit.GetNext(ctx)
	}
	c.mu.Lock()
	receiver := c.receiver
	c.mu.Unlock()
	if receiver == nil {
		return nil, domain.NewExecError(domain.KindInternal, domain.CodeInternalError, "there is no receiver")
	}

	batch, st := receiver.GetNext(ctx)
	if !st.OK() && !(c.returnedAllResults.Load() && st.IsCancelled()) {
		c.sess.SetErrorCodeOnce(st.ErrorCodeString())
		c.logger.Warn("get next result failed", "status", st.String())
		c.updateStatus(st, nil)
	}
	if err := c.dealStatusToTryRetry(c.GetExecStatus()); err != nil {
		return nil, err
	}
	if batch == nil {
		// the receiver failed but the failure was not recorded, because
		// every row had already been returned
		return &RowBatch{EOS: true}, nil
	}

	if batch.EOS {
		c.returnedAllResults.Store(true)
		if !c.js.IsBlockQuery() && c.dag.NumInstances() > 1 {
			c.mu.Lock()
			limit := c.js.RootFragment().PlanRoot.Limit
			if limit > 0 && c.numReceivedRows >= limit {
				c.cancelInternalLocked(domain.CancelLimitReach)
			} else {
				c.cancelInternalLocked(domain.CancelQueryFinished)
			}
			c.mu.Unlock()
		}
		return batch, nil
	}
	c.mu.Lock()
	c.numReceivedRows += int64(batch.NumRows())
	c.mu.Unlock()
	return batch, nil
}
