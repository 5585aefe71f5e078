package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgElephant/ram-sub001/rerrors"
)

type fakeDb struct {
	promoteErr       error
	promoteCalls     int
	failAcceptUntil  int
	acceptCalls      int
	stopReplErr      error
	reconfigErr      error
	reloadErr        error
}

func (f *fakeDb) Promote(ctx context.Context, nodeID int) error {
	f.promoteCalls++
	return f.promoteErr
}
func (f *fakeDb) IsPrimaryAndAccepting(ctx context.Context, nodeID int) (bool, error) {
	f.acceptCalls++
	if f.acceptCalls <= f.failAcceptUntil {
		return false, nil
	}
	return true, nil
}
func (f *fakeDb) StopReplication(ctx context.Context, nodeID int) error { return f.stopReplErr }
func (f *fakeDb) ReconfigureRecovery(ctx context.Context, nodeID, newPrimaryID int) error {
	return f.reconfigErr
}
func (f *fakeDb) RequestReload(ctx context.Context, nodeID int) error { return f.reloadErr }

type fakeSync struct{ called bool }

func (f *fakeSync) RecomputeAfterFailover(newPrimaryID int, standbyIDs []int) error {
	f.called = true
	return nil
}

type fakeMaint struct{ inhibited map[int]bool }

func (f *fakeMaint) FailoverInhibited(nodeID int) bool { return f.inhibited[nodeID] }

func buildTestEngine(t *testing.T, db DbDriver) (*Cluster, *FailoverContext, *Engine) {
	t.Helper()
	c := New(8, 1, time.Minute, 50, nil)
	require.NoError(t, c.Add(1, "n1", 5432, 2380, 2379))
	require.NoError(t, c.Add(2, "n2", 5432, 2380, 2379))
	require.NoError(t, c.Add(3, "n3", 5432, 2380, 2379))
	c.UpdateRole(1, RolePrimary)
	c.UpdateRole(2, RoleStandby)
	c.UpdateRole(3, RoleStandby)
	c.UpdateHealth(1, 100)
	c.UpdateHealth(2, 90)
	c.UpdateHealth(3, 90)

	fc := NewFailoverContext()
	eng := NewEngine(fc, c, db, &fakeSync{}, &fakeMaint{inhibited: map[int]bool{}}, 3, 2*time.Second, 2*time.Second)
	return c, fc, eng
}

func TestEngineHappyPathCompletesAndPicksHighestWAL(t *testing.T) {
	c, fc, eng := buildTestEngine(t, &fakeDb{})
	c.Find(2).LastWALPosition = 100
	c.Find(3).LastWALPosition = 50

	eng.Trigger(true, "PrimaryFailure")
	require.NoError(t, eng.Run(context.Background(), true))

	snap := fc.Snapshot()
	assert.Equal(t, FailoverCompleted, snap.State)
	assert.Equal(t, 2, snap.NewPrimaryID)
	assert.Equal(t, RolePrimary, c.Find(2).Role)
}

// Scenario 4: tie-break on WAL picks the smaller node_id.
func TestEngineTieBreaksOnSmallestNodeID(t *testing.T) {
	c, _, eng := buildTestEngine(t, &fakeDb{})
	c.Find(2).LastWALPosition = 100
	c.Find(3).LastWALPosition = 100

	id, err := eng.SelectNewPrimary()
	require.NoError(t, err)
	assert.Equal(t, 2, id)
}

// Scenario 3: quorum loss terminates failover in Failed with reason NoQuorum.
func TestEngineNoQuorumFailsWithReason(t *testing.T) {
	c := New(8, 1, time.Minute, 50, nil)
	require.NoError(t, c.Add(1, "n1", 5432, 2380, 2379))
	require.NoError(t, c.Add(2, "n2", 5432, 2380, 2379))
	require.NoError(t, c.Add(3, "n3", 5432, 2380, 2379))
	c.UpdateRole(1, RolePrimary)
	c.UpdateRole(2, RoleStandby)
	c.UpdateRole(3, RoleStandby)
	// Only node 3 healthy: 1 of 3 is not a majority, oracle is nil.
	c.UpdateHealth(3, 90)

	fc := NewFailoverContext()
	eng := NewEngine(fc, c, &fakeDb{}, &fakeSync{}, &fakeMaint{inhibited: map[int]bool{}}, 3, time.Second, time.Second)
	eng.Trigger(true, "PrimaryFailure")

	err := eng.Run(context.Background(), true)
	require.Error(t, err)
	assert.Equal(t, rerrors.NoQuorum, rerrors.KindOf(err))

	snap := fc.Snapshot()
	assert.Equal(t, FailoverFailed, snap.State)
	assert.Equal(t, "NoQuorum", snap.Reason)
}

func TestEngineNoEligibleStandbyFails(t *testing.T) {
	c := New(8, 1, time.Minute, 50, nil)
	require.NoError(t, c.Add(1, "n1", 5432, 2380, 2379))
	c.UpdateRole(1, RolePrimary)
	c.UpdateHealth(1, 100)

	fc := NewFailoverContext()
	eng := NewEngine(fc, c, &fakeDb{}, &fakeSync{}, &fakeMaint{inhibited: map[int]bool{}}, 3, time.Second, time.Second)
	eng.Trigger(true, "PrimaryFailure")

	err := eng.Run(context.Background(), true)
	require.Error(t, err)
	assert.Equal(t, rerrors.NoEligibleStandby, rerrors.KindOf(err))
}

func TestEnginePromotionRetriesThenFails(t *testing.T) {
	c, fc, eng := buildTestEngine(t, &fakeDb{promoteErr: errors.New("promotion rejected")})
	c.Find(2).LastWALPosition = 100

	eng.Trigger(true, "PrimaryFailure")
	err := eng.Run(context.Background(), true)
	require.Error(t, err)
	assert.Equal(t, rerrors.PromotionFailed, rerrors.KindOf(err))
	assert.Equal(t, FailoverFailed, fc.Snapshot().State)
}

func TestEngineShouldTriggerRespectsMaintenanceInhibit(t *testing.T) {
	c, _, _ := buildTestEngine(t, &fakeDb{})
	fc := NewFailoverContext()
	maint := &fakeMaint{inhibited: map[int]bool{1: true}}
	eng := NewEngine(fc, c, &fakeDb{}, &fakeSync{}, maint, 3, time.Second, time.Second)

	assert.False(t, eng.ShouldTrigger(true, true))
}

func TestEngineResetReturnsToNormal(t *testing.T) {
	c, fc, eng := buildTestEngine(t, &fakeDb{})
	c.Find(2).LastWALPosition = 100
	eng.Trigger(true, "x")
	require.NoError(t, eng.Run(context.Background(), true))
	require.Equal(t, FailoverCompleted, fc.Snapshot().State)

	eng.Reset()
	assert.Equal(t, FailoverNormal, fc.Snapshot().State)
}
