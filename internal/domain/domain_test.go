package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUniqueIDRoundTrip(t *testing.T) {
	id := NewUniqueID()
	require.False(t, id.IsZero())

	parsed, err := ParseUniqueID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseUniqueID("nope")
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestUniqueIDInstanceID(t *testing.T) {
	q := UniqueID{Hi: 7, Lo: 100}
	assert.Equal(t, UniqueID{Hi: 7, Lo: 101}, q.InstanceID(0))
	assert.Equal(t, UniqueID{Hi: 7, Lo: 103}, q.InstanceID(2))
}

func TestStatusInternalCancel(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		want   bool
	}{
		{"limit_reach", Cancelled(CancelLimitReach.Message()), true},
		{"query_finished", Cancelled(CancelQueryFinished.Message()), true},
		{"user_cancel", Cancelled(CancelUserCancel.Message()), false},
		{"internal_error_code", InternalError(LimitReachError), false},
		{"ok", StatusOK, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.IsInternalCancel())
		})
	}
}

func TestCancelReason(t *testing.T) {
	assert.True(t, CancelLimitReach.IsInternal())
	assert.True(t, CancelQueryFinished.IsInternal())
	assert.False(t, CancelInternalError.IsInternal())
	assert.Equal(t, CancelTimeout, ParseCancelReason("TIMEOUT"))
	assert.Equal(t, CancelUnknown, ParseCancelReason("bogus"))
}

func TestExecErrorClassification(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &ExecError{Kind: KindRPC, Message: "boom", Host: "10.0.0.1"})
	assert.True(t, IsRPCError(err))
	assert.False(t, IsTimeout(err))
	assert.Contains(t, err.Error(), "rpc failed with 10.0.0.1: boom")

	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.False(t, IsRPCError(nil))
}

func TestParseComputeNode(t *testing.T) {
	n, err := ParseComputeNode("10001=127.0.0.1:9060")
	require.NoError(t, err)
	assert.Equal(t, int64(10001), n.ID)
	assert.Equal(t, "127.0.0.1:9060", n.Address())
	assert.True(t, n.Alive)

	for _, bad := range []string{"", "127.0.0.1:9060", "x=127.0.0.1:9060", "1=nohost", "1=h:port"} {
		_, err := ParseComputeNode(bad)
		assert.Error(t, err, bad)
	}
}

func TestRuntimeProfileUpdateAndMerge(t *testing.T) {
	a := NewRuntimeProfile("Instance a")
	a.SetCounter("RowsRead", UnitUnit, 10)
	a.GetOrAddChild("OLAP_SCAN").SetCounter("BytesRead", UnitBytes, 100)

	b := NewRuntimeProfile("Instance b")
	b.SetCounter("RowsRead", UnitUnit, 5)
	b.GetOrAddChild("OLAP_SCAN").SetCounter("BytesRead", UnitBytes, 50)

	merged := MergeProfiles("Fragment 0", []*RuntimeProfile{a, b})
	v, ok := merged.CounterValue("RowsRead")
	require.True(t, ok)
	assert.Equal(t, int64(15), v)
	v, _ = merged.Child("OLAP_SCAN").CounterValue("BytesRead")
	assert.Equal(t, int64(150), v)

	// Reports carry cumulative values, so Update overwrites.
	newer := NewRuntimeProfile("Instance a")
	newer.SetCounter("RowsRead", UnitUnit, 20)
	a.Update(newer)
	v, _ = a.CounterValue("RowsRead")
	assert.Equal(t, int64(20), v)

	out := merged.String()
	assert.Contains(t, out, "Fragment 0:")
	assert.Contains(t, out, "BytesRead: 150 B")
}

func TestAuditStatisticsMerge(t *testing.T) {
	s := &AuditStatistics{ScanRows: 1, MemCostBytes: 100}
	s.Merge(&AuditStatistics{ScanRows: 2, MemCostBytes: 50, CPUCostNs: 7})
	s.Merge(nil)
	assert.Equal(t, int64(3), s.ScanRows)
	assert.Equal(t, int64(100), s.MemCostBytes)
	assert.Equal(t, int64(7), s.CPUCostNs)
}
