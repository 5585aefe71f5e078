package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/pgElephant/ram-sub001/rerrors"
)

// MaintenanceType classifies why a node is in maintenance.
type MaintenanceType int

const (
	MaintenanceNode MaintenanceType = iota
	MaintenanceCluster
	MaintenancePlannedFailover
	MaintenanceBackup
	MaintenanceUpgrade
	MaintenanceNetwork
)

// MaintenanceStatus is a maintenance window's lifecycle state.
type MaintenanceStatus int

const (
	MaintenanceInactive MaintenanceStatus = iota
	MaintenancePending
	MaintenanceActive
	MaintenanceDraining
	MaintenanceCompleting
	MaintenanceFailed
)

// MaintenanceState is one node's maintenance record.
type MaintenanceState struct {
	InMaintenance bool
	Type          MaintenanceType
	Status        MaintenanceStatus
	TargetNodeID  int

	StartTime    time.Time
	EndTime      time.Time
	ScheduledEnd time.Time

	Reason  string
	Contact string

	AutoFailoverDisabled bool
	ConnectionsDrained   bool
	ActiveConnections    int

	BackupID      string
	StatusMessage string
}

// MaintenanceDbDriver is the narrow subset of the DB Driver Facade the
// manager needs for reachability probes, session counts, draining and
// optional backups.
type MaintenanceDbDriver interface {
	TCPProbe(ctx context.Context, nodeID int) error
	ActiveSessionCount(ctx context.Context, nodeID int) (int, error)
	SetAcceptingNewSessions(ctx context.Context, nodeID int, accepting bool) error
	TakeBackup(ctx context.Context, nodeID int) (string, error)
}

// EnterRequest describes one maintenance-entry call's parameters.
type EnterRequest struct {
	NodeID              int
	Type                MaintenanceType
	Reason              string
	Contact             string
	DisableAutoFailover bool
	TakeBackupFirst     bool
	Drain               bool
	DrainTimeout        time.Duration
	ScheduledEnd        time.Time
}

// States is the process-wide singleton holding one MaintenanceState per
// node_id, per §3.
type States struct {
	mu       sync.Mutex
	byNode   map[int]*MaintenanceState
	maxNodes int

	cluster *Cluster
	db      MaintenanceDbDriver
}

// NewStates constructs an empty maintenance-state table.
func NewStates(maxNodes int, cl *Cluster, db MaintenanceDbDriver) *States {
	return &States{
		byNode:   make(map[int]*MaintenanceState),
		maxNodes: maxNodes,
		cluster:  cl,
		db:       db,
	}
}

// FailoverInhibited satisfies cluster.MaintenanceChecker: true when nodeID
// is in an active maintenance window with auto-failover disabled.
func (s *States) FailoverInhibited(nodeID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.byNode[nodeID]
	if !ok {
		return false
	}
	return st.InMaintenance && st.AutoFailoverDisabled
}

// Get returns a copy of nodeID's maintenance state, or the zero value if
// none is recorded.
func (s *States) Get(nodeID int) MaintenanceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.byNode[nodeID]; ok {
		return *st
	}
	return MaintenanceState{TargetNodeID: nodeID, Status: MaintenanceInactive}
}

// Enter runs pre-checks then drives the target node through
// Pending -> (Draining) -> Active, per §4.H.
func (s *States) Enter(ctx context.Context, req EnterRequest) error {
	if err := s.preChecks(ctx, req); err != nil {
		return err
	}

	s.mu.Lock()
	st := &MaintenanceState{
		InMaintenance: true,
		Type:          req.Type,
		Status:        MaintenancePending,
		TargetNodeID:  req.NodeID,
		StartTime:     time.Now(),
		ScheduledEnd:  req.ScheduledEnd,
		Reason:        req.Reason,
		Contact:       req.Contact,
	}
	s.byNode[req.NodeID] = st
	s.mu.Unlock()

	if req.DisableAutoFailover {
		s.mu.Lock()
		st.AutoFailoverDisabled = true
		s.mu.Unlock()
	}

	if req.TakeBackupFirst {
		id, err := s.db.TakeBackup(ctx, req.NodeID)
		if err != nil {
			s.markFailed(req.NodeID, "backup failed: "+err.Error())
			return rerrors.New(rerrors.MaintenanceUnsafe, "Enter", err)
		}
		s.mu.Lock()
		st.BackupID = id
		s.mu.Unlock()
	}

	if req.Drain {
		if err := s.drain(ctx, req.NodeID, req.DrainTimeout); err != nil {
			s.markFailed(req.NodeID, err.Error())
			return err
		}
	}

	s.mu.Lock()
	st.Status = MaintenanceActive
	s.mu.Unlock()
	return nil
}

func (s *States) preChecks(ctx context.Context, req EnterRequest) error {
	if !s.cluster.HasQuorum() {
		return rerrors.New(rerrors.MaintenanceUnsafe, "preChecks", nil)
	}
	for _, n := range s.cluster.Nodes() {
		if err := s.db.TCPProbe(ctx, n.NodeID); err != nil {
			return rerrors.New(rerrors.MaintenanceUnsafe, "preChecks", err)
		}
	}
	target := s.cluster.Find(req.NodeID)
	if target != nil && target.Role == RolePrimary {
		if s.cluster.CountStandbys() < 1 {
			return rerrors.New(rerrors.MaintenanceUnsafe, "preChecks", nil)
		}
	}
	return nil
}

func (s *States) drain(ctx context.Context, nodeID int, timeout time.Duration) error {
	s.mu.Lock()
	st := s.byNode[nodeID]
	st.Status = MaintenanceDraining
	s.mu.Unlock()

	if err := s.db.SetAcceptingNewSessions(ctx, nodeID, false); err != nil {
		return rerrors.New(rerrors.MaintenanceUnsafe, "drain", err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		count, err := s.db.ActiveSessionCount(ctx, nodeID)
		if err == nil && count <= 1 {
			s.mu.Lock()
			st.ConnectionsDrained = true
			st.ActiveConnections = count
			s.mu.Unlock()
			return nil
		}
		s.mu.Lock()
		st.ActiveConnections = count
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return rerrors.New(rerrors.DrainTimeout, "drain", ctx.Err())
		case <-time.After(250 * time.Millisecond):
		}
	}
	return rerrors.New(rerrors.DrainTimeout, "drain", nil)
}

func (s *States) markFailed(nodeID int, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.byNode[nodeID]; ok {
		st.Status = MaintenanceFailed
		st.StatusMessage = msg
	}
}

// Exit restores connection policy and auto-failover, clears the state.
// Idempotent against repeated exits.
func (s *States) Exit(ctx context.Context, nodeID int) error {
	s.mu.Lock()
	st, ok := s.byNode[nodeID]
	s.mu.Unlock()
	if !ok || !st.InMaintenance {
		return nil // idempotent no-op
	}

	if st.ConnectionsDrained {
		_ = s.db.SetAcceptingNewSessions(ctx, nodeID, true)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st.InMaintenance = false
	st.AutoFailoverDisabled = false
	st.Status = MaintenanceInactive
	st.EndTime = time.Now()
	return nil
}

// Schedule records a one-shot future maintenance window without entering
// it immediately.
func (s *States) Schedule(nodeID int, req EnterRequest, scheduledEnd time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byNode[nodeID] = &MaintenanceState{
		TargetNodeID: nodeID,
		Type:         req.Type,
		Status:       MaintenancePending,
		Reason:       req.Reason,
		Contact:      req.Contact,
		ScheduledEnd: scheduledEnd,
	}
}
