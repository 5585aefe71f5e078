package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgElephant/ram-sub001/rerrors"
)

type fakeMaintDb struct {
	sessionCounts []int
	sessionIdx    int
	probeErr      error
	backupID      string
	backupErr     error
}

func (f *fakeMaintDb) TCPProbe(ctx context.Context, nodeID int) error { return f.probeErr }
func (f *fakeMaintDb) ActiveSessionCount(ctx context.Context, nodeID int) (int, error) {
	if f.sessionIdx >= len(f.sessionCounts) {
		return f.sessionCounts[len(f.sessionCounts)-1], nil
	}
	v := f.sessionCounts[f.sessionIdx]
	f.sessionIdx++
	return v, nil
}
func (f *fakeMaintDb) SetAcceptingNewSessions(ctx context.Context, nodeID int, accepting bool) error {
	return nil
}
func (f *fakeMaintDb) TakeBackup(ctx context.Context, nodeID int) (string, error) {
	return f.backupID, f.backupErr
}

func buildMaintCluster(t *testing.T) *Cluster {
	t.Helper()
	c := New(8, 1, time.Minute, 50, nil)
	require.NoError(t, c.Add(1, "n1", 5432, 2380, 2379))
	require.NoError(t, c.Add(2, "n2", 5432, 2380, 2379))
	c.UpdateRole(1, RolePrimary)
	c.UpdateRole(2, RoleStandby)
	c.UpdateHealth(1, 100)
	c.UpdateHealth(2, 100)
	return c
}

func TestMaintenanceEnterDrainsThenActive(t *testing.T) {
	c := buildMaintCluster(t)
	db := &fakeMaintDb{sessionCounts: []int{5, 3, 1}}
	s := NewStates(8, c, db)

	err := s.Enter(context.Background(), EnterRequest{
		NodeID: 1, Type: MaintenanceNode, Drain: true, DrainTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	st := s.Get(1)
	assert.Equal(t, MaintenanceActive, st.Status)
	assert.True(t, st.ConnectionsDrained)
}

// Scenario 6: drain timeout leaves failover enabled and reports DrainTimeout.
func TestMaintenanceEnterDrainTimeout(t *testing.T) {
	c := buildMaintCluster(t)
	db := &fakeMaintDb{sessionCounts: []int{5, 5, 5, 5, 5}}
	s := NewStates(8, c, db)

	err := s.Enter(context.Background(), EnterRequest{
		NodeID: 1, Type: MaintenanceNode, Drain: true, DrainTimeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Equal(t, rerrors.DrainTimeout, rerrors.KindOf(err))

	st := s.Get(1)
	assert.Equal(t, MaintenanceFailed, st.Status)
	assert.False(t, s.FailoverInhibited(1))
}

func TestMaintenanceEnterRejectsPrimaryWithoutStandby(t *testing.T) {
	c := New(8, 1, time.Minute, 50, nil)
	require.NoError(t, c.Add(1, "n1", 5432, 2380, 2379))
	c.UpdateRole(1, RolePrimary)
	c.UpdateHealth(1, 100)

	db := &fakeMaintDb{}
	s := NewStates(8, c, db)

	err := s.Enter(context.Background(), EnterRequest{NodeID: 1, Type: MaintenanceNode})
	require.Error(t, err)
	assert.Equal(t, rerrors.MaintenanceUnsafe, rerrors.KindOf(err))
}

// P7: after maintenance_enter(n), failover decisions involving n are
// suppressed until maintenance_exit(n).
func TestMaintenanceInhibitsFailoverUntilExit(t *testing.T) {
	c := buildMaintCluster(t)
	db := &fakeMaintDb{sessionCounts: []int{1}}
	s := NewStates(8, c, db)

	require.NoError(t, s.Enter(context.Background(), EnterRequest{
		NodeID: 1, Type: MaintenanceNode, DisableAutoFailover: true,
	}))
	assert.True(t, s.FailoverInhibited(1))

	require.NoError(t, s.Exit(context.Background(), 1))
	assert.False(t, s.FailoverInhibited(1))
}

// Round-trip: maintenance_exit called twice in a row succeeds once then is
// a no-op.
func TestMaintenanceExitIsIdempotent(t *testing.T) {
	c := buildMaintCluster(t)
	db := &fakeMaintDb{sessionCounts: []int{1}}
	s := NewStates(8, c, db)

	require.NoError(t, s.Enter(context.Background(), EnterRequest{NodeID: 1, Type: MaintenanceNode}))
	require.NoError(t, s.Exit(context.Background(), 1))
	require.NoError(t, s.Exit(context.Background(), 1)) // no-op, still succeeds
}

func TestSyncPolicyFixedNNamesString(t *testing.T) {
	p := NewSyncPolicy(nil)
	require.NoError(t, p.Configure(SyncModeFixedN, 2, 0, 0, CommitRemoteWrite, true))
	p.Add("n2", 1, true)
	p.Add("n3", 2, true)
	p.Add("n4", 3, true)

	assert.Equal(t, "n2,n3", p.NamesString())
}

func TestSyncPolicyAnyNNamesString(t *testing.T) {
	p := NewSyncPolicy(nil)
	require.NoError(t, p.Configure(SyncModeAnyN, 0, 2, 3, CommitRemoteApply, true))
	p.Add("n2", 1, true)
	p.Add("n3", 2, true)
	p.Add("n4", 3, true)

	assert.Equal(t, "ANY 2 (n2,n3,n4)", p.NamesString())
}

// Round-trip: sync_policy.add(x); sync_policy.remove(x) leaves the stored
// names-string identical to the pre-state.
func TestSyncPolicyAddRemoveRoundTrip(t *testing.T) {
	p := NewSyncPolicy(nil)
	require.NoError(t, p.Configure(SyncModeFixedN, 1, 0, 0, CommitLocal, true))
	p.Add("n2", 1, true)
	before := p.NamesString()

	p.Add("n3", 2, true)
	p.Remove("n3")
	after := p.NamesString()

	assert.Equal(t, before, after)
}
