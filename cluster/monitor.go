package cluster

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// NodeStatus is what a single health probe returns for one node.
type NodeStatus struct {
	Running            bool
	IsPrimary          bool
	IsInRecovery       bool
	AcceptsConnections bool
	WALPosition        uint64
	LagMS              int64
}

// MonitorDbDriver is the narrow subset of the DB Driver Facade the Health
// Monitor needs to probe a node, bounded by a caller-supplied timeout.
type MonitorDbDriver interface {
	Probe(ctx context.Context, nodeID int) (NodeStatus, error)
}

// LeadershipOracle is the narrow subset of the Consensus Facade the
// monitor consults for leadership observation.
type LeadershipOracle interface {
	LeaderID() (int, error)
}

// Monitor runs the Health Monitor's dedicated cycle loop, per §4.E.
type Monitor struct {
	cluster *Cluster
	db      MonitorDbDriver
	oracle  LeadershipOracle

	intervalMS int
	timeoutMS  int
	failoverThreshold int

	stopped atomic.Bool
	wg      sync.WaitGroup

	mu                    sync.Mutex
	consecutivePrimaryFail int
	lastWAL               map[int]uint64

	cycleCount atomic.Int64

	onPrimaryFailure func()
}

// NewMonitor constructs a Monitor for the given cluster, wired to the DB
// driver and consensus oracle facades.
func NewMonitor(cl *Cluster, db MonitorDbDriver, oracle LeadershipOracle, intervalMS, timeoutMS, failoverThreshold int) *Monitor {
	return &Monitor{
		cluster:           cl,
		db:                db,
		oracle:            oracle,
		intervalMS:        intervalMS,
		timeoutMS:         timeoutMS,
		failoverThreshold: failoverThreshold,
		lastWAL:           make(map[int]uint64),
	}
}

// OnPrimaryFailure registers the callback invoked once the consecutive
// primary-probe-failure counter crosses failoverThreshold.
func (m *Monitor) OnPrimaryFailure(f func()) { m.onPrimaryFailure = f }

// Start launches the monitor loop in its own goroutine.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop sets the shutdown flag and joins the loop thread.
func (m *Monitor) Stop() {
	m.stopped.Store(true)
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	interval := time.Duration(m.intervalMS) * time.Millisecond
	for !m.stopped.Load() {
		m.cycle()
		time.Sleep(interval)
	}
}

// cycle performs, in order: local check, remote check, leadership
// observation, stale-node detection (DetectTopologyChange) — per §4.E.
func (m *Monitor) cycle() {
	m.cycleCount.Add(1)
	timeout := time.Duration(m.timeoutMS) * time.Millisecond

	local := m.cluster.Local()
	if local != nil {
		m.checkNode(local, timeout, true)
	}

	for _, n := range m.cluster.Nodes() {
		if local != nil && n.NodeID == local.NodeID {
			continue
		}
		m.checkNode(n, timeout, false)
	}

	m.observeLeadership()
	m.cluster.DetectTopologyChange()
	m.cycleCount.Add(1)
}

func (m *Monitor) checkNode(n *Node, timeout time.Duration, isLocal bool) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	status, err := m.db.Probe(ctx, n.NodeID)
	if err != nil {
		log.WithError(err).WithField("node_id", n.NodeID).Debug("monitor: probe failed")
		if n.Role == RolePrimary || (m.cluster.Primary() != nil && m.cluster.Primary().NodeID == n.NodeID) {
			m.trackPrimaryProbe(n, false)
		}
		return
	}

	score := m.healthScore(n.NodeID, status)
	m.cluster.UpdateHealth(n.NodeID, score)

	switch {
	case status.IsPrimary:
		m.cluster.UpdateRole(n.NodeID, RolePrimary)
		m.cluster.UpdateState(n.NodeID, StatePrimary)
	case status.IsInRecovery:
		m.cluster.UpdateRole(n.NodeID, RoleStandby)
		m.cluster.UpdateState(n.NodeID, StateStandby)
	}

	primaryOK := status.Running && status.IsPrimary && status.AcceptsConnections
	if n.Role == RolePrimary || (m.cluster.Primary() != nil && m.cluster.Primary().NodeID == n.NodeID) {
		m.trackPrimaryProbe(n, primaryOK)
	}
}

// healthScore implements the §4.E formula: base 50 for accepting
// connections; +30 primary or +20 standby; +15 if WAL advanced since the
// last cycle; +5 if background maintenance counts are low.
func (m *Monitor) healthScore(nodeID int, status NodeStatus) int {
	if !status.AcceptsConnections {
		return 0
	}
	score := 50
	if status.IsPrimary {
		score += 30
	} else if status.IsInRecovery {
		score += 20
	}

	m.mu.Lock()
	if status.WALPosition > m.lastWAL[nodeID] {
		score += 15
	}
	m.lastWAL[nodeID] = status.WALPosition
	m.mu.Unlock()

	score += 5 // background maintenance counts assumed low absent a counter source
	if score > 100 {
		score = 100
	}
	return score
}

func (m *Monitor) trackPrimaryProbe(n *Node, ok bool) {
	m.mu.Lock()
	if ok {
		m.consecutivePrimaryFail = 0
	} else {
		m.consecutivePrimaryFail++
	}
	crossed := m.consecutivePrimaryFail >= m.failoverThreshold
	m.mu.Unlock()

	if crossed && m.onPrimaryFailure != nil {
		m.onPrimaryFailure()
	}
}

func (m *Monitor) observeLeadership() {
	if m.oracle == nil {
		return
	}
	leaderID, err := m.oracle.LeaderID()
	if err != nil || leaderID <= 0 {
		return
	}
	m.cluster.UpdateState(leaderID, StateLeader)
}

// ConsecutivePrimaryFailures returns the current streak, for tests and
// diagnostics.
func (m *Monitor) ConsecutivePrimaryFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutivePrimaryFail
}

// CycleCount returns the number of completed monitor cycles, for the
// ramd_monitor_cycle_total metric.
func (m *Monitor) CycleCount() int64 { return m.cycleCount.Load() }
