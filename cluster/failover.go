package cluster

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pgElephant/ram-sub001/rerrors"
)

// FailoverState is one of the Failover Engine's state-machine states.
type FailoverState int

const (
	FailoverNormal FailoverState = iota
	FailoverDetecting
	FailoverPromoting
	FailoverRecovering
	FailoverCompleted
	FailoverFailed
)

func (s FailoverState) String() string {
	switch s {
	case FailoverDetecting:
		return "detecting"
	case FailoverPromoting:
		return "promoting"
	case FailoverRecovering:
		return "recovering"
	case FailoverCompleted:
		return "completed"
	case FailoverFailed:
		return "failed"
	default:
		return "normal"
	}
}

// FailoverContext is the single, process-wide failover transition record.
type FailoverContext struct {
	mu sync.Mutex

	state           FailoverState
	failedNodeID    int
	newPrimaryID    int
	startedAt       time.Time
	completedAt     time.Time
	reason          string
	autoTriggered   bool
	retryCount      int
}

// NewFailoverContext returns a context starting in the Normal state.
func NewFailoverContext() *FailoverContext {
	return &FailoverContext{state: FailoverNormal, failedNodeID: -1, newPrimaryID: -1}
}

// Snapshot is a consistent read of the context's fields.
type FailoverSnapshot struct {
	State         FailoverState
	FailedNodeID  int
	NewPrimaryID  int
	StartedAt     time.Time
	CompletedAt   time.Time
	Reason        string
	AutoTriggered bool
	RetryCount    int
}

func (fc *FailoverContext) Snapshot() FailoverSnapshot {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return FailoverSnapshot{
		State:         fc.state,
		FailedNodeID:  fc.failedNodeID,
		NewPrimaryID:  fc.newPrimaryID,
		StartedAt:     fc.startedAt,
		CompletedAt:   fc.completedAt,
		Reason:        fc.reason,
		AutoTriggered: fc.autoTriggered,
		RetryCount:    fc.retryCount,
	}
}

// DbDriver is the narrow subset of the DB Driver Facade the Failover
// Engine needs: promote the chosen node and wait for it to come up as a
// writable primary.
type DbDriver interface {
	Promote(ctx context.Context, nodeID int) error
	IsPrimaryAndAccepting(ctx context.Context, nodeID int) (bool, error)
	StopReplication(ctx context.Context, nodeID int) error
	ReconfigureRecovery(ctx context.Context, nodeID int, newPrimaryID int) error
	RequestReload(ctx context.Context, nodeID int) error
}

// SyncManager is the narrow subset of the Sync-Replication Manager the
// engine invokes once a new primary is selected.
type SyncManager interface {
	RecomputeAfterFailover(newPrimaryID int, standbyIDs []int) error
}

// MaintenanceChecker is the narrow subset of the Maintenance Manager the
// engine consults before triggering.
type MaintenanceChecker interface {
	FailoverInhibited(nodeID int) bool
}

// Engine drives the Failover Context through its transition table. It pins
// a consensus snapshot once at the start of each Run rather than
// re-querying the oracle mid-transition, per the documented decision for
// the oracle-availability open question.
type Engine struct {
	ctx     *FailoverContext
	cluster *Cluster
	db      DbDriver
	sync    SyncManager
	maint   MaintenanceChecker

	retryMax          int
	failoverTimeout   time.Duration
	recoveryTimeout   time.Duration
}

// NewEngine wires an Engine around the process singletons it drives.
func NewEngine(fc *FailoverContext, cl *Cluster, db DbDriver, sm SyncManager, mc MaintenanceChecker, retryMax int, failoverTimeout, recoveryTimeout time.Duration) *Engine {
	return &Engine{
		ctx: fc, cluster: cl, db: db, sync: sm, maint: mc,
		retryMax: retryMax, failoverTimeout: failoverTimeout, recoveryTimeout: recoveryTimeout,
	}
}

// consensusSnapshot is pinned once per Run (Open Question decision in
// DESIGN.md): has_quorum is read once there and used for the whole
// Detecting -> Promoting -> Recovering chain rather than re-queried.
type consensusSnapshot struct {
	hasQuorum bool
}

// ShouldTrigger reports whether an automatic failover should begin: the
// config enables auto-failover, the monitor reported PrimaryFailure,
// quorum holds, no maintenance inhibits failover on the current primary,
// and no failover is already in progress.
func (e *Engine) ShouldTrigger(autoFailoverEnabled bool, primaryFailureReported bool) bool {
	e.ctx.mu.Lock()
	inProgress := e.ctx.state != FailoverNormal && e.ctx.state != FailoverCompleted && e.ctx.state != FailoverFailed
	e.ctx.mu.Unlock()

	if !autoFailoverEnabled || !primaryFailureReported || inProgress {
		return false
	}
	if !e.cluster.HasQuorum() {
		return false
	}
	primary := e.cluster.Primary()
	if primary != nil && e.maint != nil && e.maint.FailoverInhibited(primary.NodeID) {
		return false
	}
	return true
}

// Trigger begins a Detecting transition, from either the monitor's
// ShouldTrigger signal or an operator's API failover request. reason says
// what triggered it and is logged; the context's reason field starts empty
// so that it records the first error of the run.
func (e *Engine) Trigger(autoTriggered bool, reason string) {
	e.ctx.mu.Lock()
	defer e.ctx.mu.Unlock()
	if e.ctx.state != FailoverNormal && e.ctx.state != FailoverCompleted && e.ctx.state != FailoverFailed {
		return
	}
	log.WithFields(log.Fields{"auto": autoTriggered, "reason": reason}).Info("failover: triggered")
	e.ctx.state = FailoverDetecting
	e.ctx.startedAt = time.Now()
	e.ctx.completedAt = time.Time{}
	e.ctx.reason = ""
	e.ctx.autoTriggered = autoTriggered
	e.ctx.retryCount = 0
	if p := e.cluster.Primary(); p != nil {
		e.ctx.failedNodeID = p.NodeID
	}
	e.ctx.newPrimaryID = -1
	e.cluster.SetInFailover(true)
}

// Reset returns a Completed or Failed context to Normal.
func (e *Engine) Reset() {
	e.ctx.mu.Lock()
	defer e.ctx.mu.Unlock()
	if e.ctx.state != FailoverCompleted && e.ctx.state != FailoverFailed {
		return
	}
	e.ctx.state = FailoverNormal
	e.ctx.failedNodeID = -1
	e.ctx.newPrimaryID = -1
	e.ctx.reason = ""
	e.ctx.retryCount = 0
	e.cluster.SetInFailover(false)
}

// Run drives the Detecting -> Promoting -> Recovering chain to completion,
// pinning one consensusSnapshot at entry. primaryConfirmedFailed is the
// caller's (monitor's) verdict on whether the old primary is actually down.
func (e *Engine) Run(ctx context.Context, primaryConfirmedFailed bool) error {
	snap := consensusSnapshot{hasQuorum: e.cluster.HasQuorum()}

	e.ctx.mu.Lock()
	if e.ctx.state != FailoverDetecting {
		e.ctx.mu.Unlock()
		return nil
	}
	e.ctx.mu.Unlock()

	if !primaryConfirmedFailed {
		e.ctx.mu.Lock()
		e.ctx.state = FailoverNormal
		e.cluster.SetInFailover(false)
		e.ctx.mu.Unlock()
		return nil
	}

	if !snap.hasQuorum {
		e.fail(string(rerrors.NoQuorum))
		return rerrors.New(rerrors.NoQuorum, "Engine.Run", nil)
	}

	e.ctx.mu.Lock()
	e.ctx.state = FailoverPromoting
	e.ctx.mu.Unlock()

	newPrimaryID, err := e.SelectNewPrimary()
	if err != nil {
		e.fail(err.Error())
		return err
	}

	if err := e.promoteWithRetry(ctx, newPrimaryID); err != nil {
		e.fail(err.Error())
		return err
	}

	e.ctx.mu.Lock()
	e.ctx.state = FailoverRecovering
	e.ctx.newPrimaryID = newPrimaryID
	e.ctx.mu.Unlock()

	e.demoteFailedPrimary(ctx)
	e.updateStandbyNodes(ctx, newPrimaryID)

	e.ctx.mu.Lock()
	e.ctx.state = FailoverCompleted
	e.ctx.completedAt = time.Now()
	e.ctx.mu.Unlock()
	e.cluster.SetInFailover(false)
	return nil
}

func (e *Engine) fail(reason string) {
	e.ctx.mu.Lock()
	defer e.ctx.mu.Unlock()
	e.ctx.state = FailoverFailed
	e.ctx.completedAt = time.Now()
	if e.ctx.reason == "" {
		e.ctx.reason = reason
	}
	e.cluster.SetInFailover(false)
}

// SelectNewPrimary picks the healthy standby with the greatest observed
// WAL position, breaking ties by the smallest node_id.
func (e *Engine) SelectNewPrimary() (int, error) {
	var best *Node
	for _, n := range e.cluster.Nodes() {
		if n.Role != RoleStandby || !n.Healthy {
			continue
		}
		if best == nil ||
			n.LastWALPosition > best.LastWALPosition ||
			(n.LastWALPosition == best.LastWALPosition && n.NodeID < best.NodeID) {
			best = n
		}
	}
	if best == nil {
		return 0, rerrors.New(rerrors.NoEligibleStandby, "SelectNewPrimary", nil)
	}
	return best.NodeID, nil
}

func (e *Engine) promoteWithRetry(ctx context.Context, nodeID int) error {
	for {
		e.ctx.mu.Lock()
		retries := e.ctx.retryCount
		e.ctx.mu.Unlock()

		err := e.Promote(ctx, nodeID)
		if err == nil {
			return nil
		}
		if retries >= e.retryMax {
			return rerrors.New(rerrors.PromotionFailed, "promoteWithRetry", err)
		}
		e.ctx.mu.Lock()
		e.ctx.retryCount++
		if e.ctx.reason == "" {
			e.ctx.reason = err.Error()
		}
		e.ctx.mu.Unlock()
	}
}

// Promote issues the promotion command and waits, bounded by
// e.failoverTimeout, for the node to report primary+accepting.
func (e *Engine) Promote(ctx context.Context, nodeID int) error {
	promoteCtx, cancel := context.WithTimeout(ctx, e.failoverTimeout)
	defer cancel()

	if err := e.db.Promote(promoteCtx, nodeID); err != nil {
		return rerrors.New(rerrors.PromotionFailed, "Promote", err)
	}

	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-promoteCtx.Done():
			return rerrors.New(rerrors.PromotionTimeout, "Promote", promoteCtx.Err())
		case <-tick.C:
			ok, err := e.db.IsPrimaryAndAccepting(promoteCtx, nodeID)
			if err == nil && ok {
				e.cluster.UpdateRole(nodeID, RolePrimary)
				e.cluster.UpdateState(nodeID, StatePrimary)
				return nil
			}
		}
	}
}

// demoteFailedPrimary stops replication on the failed node, best-effort;
// its failure does not abort the failover.
func (e *Engine) demoteFailedPrimary(ctx context.Context) {
	e.ctx.mu.Lock()
	failedID := e.ctx.failedNodeID
	e.ctx.mu.Unlock()
	if failedID < 0 {
		return
	}
	if err := e.db.StopReplication(ctx, failedID); err != nil {
		e.ctx.mu.Lock()
		if e.ctx.reason == "" {
			e.ctx.reason = err.Error()
		}
		e.ctx.mu.Unlock()
	}
	e.cluster.UpdateState(failedID, StateFailed)
}

// updateStandbyNodes rewrites every remaining healthy standby's recovery
// configuration to follow newPrimaryID and requests a reload; failures are
// logged on the context but do not roll back the state machine.
func (e *Engine) updateStandbyNodes(ctx context.Context, newPrimaryID int) {
	var standbyIDs []int
	for _, n := range e.cluster.Nodes() {
		if n.NodeID == newPrimaryID || !n.Healthy {
			continue
		}
		if n.Role != RoleStandby {
			continue
		}
		standbyIDs = append(standbyIDs, n.NodeID)
		if err := e.db.ReconfigureRecovery(ctx, n.NodeID, newPrimaryID); err != nil {
			e.ctx.mu.Lock()
			if e.ctx.reason == "" {
				e.ctx.reason = rerrors.New(rerrors.StandbyReconfigFailed, "updateStandbyNodes", err).Error()
			}
			e.ctx.mu.Unlock()
			continue
		}
		if err := e.db.RequestReload(ctx, n.NodeID); err != nil {
			e.ctx.mu.Lock()
			if e.ctx.reason == "" {
				e.ctx.reason = rerrors.New(rerrors.StandbyReconfigFailed, "updateStandbyNodes", err).Error()
			}
			e.ctx.mu.Unlock()
		}
	}
	if e.sync != nil {
		_ = e.sync.RecomputeAfterFailover(newPrimaryID, standbyIDs)
	}
}

// RebuildFailedReplicas is the optional follow-up: it iterates failed
// standbys and initiates a base backup from the new primary, then
// configures recovery. Idempotent; skipped entirely if maintenance
// inhibits it on the new primary.
func (e *Engine) RebuildFailedReplicas(ctx context.Context, rebuild func(ctx context.Context, failedNodeID, fromPrimaryID int) error) {
	snap := e.ctx.Snapshot()
	if snap.NewPrimaryID < 0 {
		return
	}
	if e.maint != nil && e.maint.FailoverInhibited(snap.NewPrimaryID) {
		return
	}
	for _, n := range e.cluster.Nodes() {
		if n.State != StateFailed {
			continue
		}
		_ = rebuild(ctx, n.NodeID, snap.NewPrimaryID)
	}
}
