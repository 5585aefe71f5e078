package cluster

import (
	"sync"
	"time"

	"github.com/pgElephant/ram-sub001/rerrors"
)

// ConsensusOracle is the subset of the Consensus Facade the Cluster Model
// consults for has_quorum. Defined here (not in the consensus package) so
// cluster has no import-time dependency on the oracle's transport.
type ConsensusOracle interface {
	LeaderID() (int, error)
	ClusterHealthy() (bool, error)
}

// Cluster is the process-wide singleton holding the in-memory node set.
// Guarded by its own mutex per the concurrency model's lock-ordering rule
// (Config -> Cluster -> FailoverContext -> MaintenanceStates -> SyncPolicy).
type Cluster struct {
	mu sync.Mutex

	maxNodes int
	nodes    []*Node // fixed-capacity slice, compacted on remove

	localNodeID   int
	primaryNodeID int
	leaderNodeID  int
	hasQuorum     bool
	inFailover    bool

	lastTopologyChange time.Time

	nodeTimeout     time.Duration
	healthThreshold int

	oracle ConsensusOracle
}

// New constructs an empty Cluster bounded to maxNodes, wired to the given
// consensus oracle for quorum decisions.
func New(maxNodes, localNodeID int, nodeTimeout time.Duration, healthThreshold int, oracle ConsensusOracle) *Cluster {
	return &Cluster{
		maxNodes:        maxNodes,
		localNodeID:     localNodeID,
		primaryNodeID:   -1,
		leaderNodeID:    -1,
		nodeTimeout:     nodeTimeout,
		healthThreshold: healthThreshold,
		oracle:          oracle,
	}
}

// Add registers a new node. Rejects duplicate node_id and over-capacity.
func (c *Cluster) Add(nodeID int, hostname string, dbPort, consensusPort, kvPort int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range c.nodes {
		if n.NodeID == nodeID {
			return rerrors.New(rerrors.Conflict, "Cluster.Add", nil)
		}
	}
	if len(c.nodes) >= c.maxNodes {
		return rerrors.New(rerrors.Conflict, "Cluster.Add", nil)
	}
	c.nodes = append(c.nodes, newNode(nodeID, hostname, dbPort, consensusPort, kvPort))
	c.updateTopologyLocked()
	return nil
}

// Remove deletes a node and compacts the array.
func (c *Cluster) Remove(nodeID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, n := range c.nodes {
		if n.NodeID == nodeID {
			c.nodes = append(c.nodes[:i], c.nodes[i+1:]...)
			c.updateTopologyLocked()
			return nil
		}
	}
	return rerrors.New(rerrors.NotFound, "Cluster.Remove", nil)
}

// Find returns the node with the given id, or nil.
func (c *Cluster) Find(nodeID int) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.findLocked(nodeID)
}

func (c *Cluster) findLocked(nodeID int) *Node {
	for _, n := range c.nodes {
		if n.NodeID == nodeID {
			return n
		}
	}
	return nil
}

// Local returns the node with this process's own node_id.
func (c *Cluster) Local() *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.findLocked(c.localNodeID)
}

// Primary returns the current primary node, or nil if none.
func (c *Cluster) Primary() *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.primaryNodeID < 0 {
		return nil
	}
	return c.findLocked(c.primaryNodeID)
}

// Leader returns the node the consensus oracle names as leader, or nil.
func (c *Cluster) Leader() *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leaderNodeID < 0 {
		return nil
	}
	return c.findLocked(c.leaderNodeID)
}

// CountHealthy returns the number of nodes currently marked healthy.
func (c *Cluster) CountHealthy() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, node := range c.nodes {
		if node.Healthy {
			n++
		}
	}
	return n
}

// CountStandbys returns the number of nodes with role=Standby.
func (c *Cluster) CountStandbys() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, node := range c.nodes {
		if node.Role == RoleStandby {
			n++
		}
	}
	return n
}

// HasPrimary reports whether a primary is currently assigned.
func (c *Cluster) HasPrimary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primaryNodeID >= 0
}

// HasLeader reports whether a consensus leader is currently assigned.
func (c *Cluster) HasLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaderNodeID >= 0
}

// NodeCount returns the live node count.
func (c *Cluster) NodeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}

// Nodes returns a snapshot copy of the node pointers (not deep copies);
// callers must not mutate the returned nodes outside the Cluster's own
// Update* methods.
func (c *Cluster) Nodes() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Node, len(c.nodes))
	copy(out, c.nodes)
	return out
}

// UpdateState sets a node's State and stamps StateChangedAt.
func (c *Cluster) UpdateState(nodeID int, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.findLocked(nodeID)
	if n == nil {
		return
	}
	if n.State != s {
		n.State = s
		n.StateChangedAt = time.Now()
	}
	switch s {
	case StatePrimary:
		c.primaryNodeID = nodeID
	case StateLeader:
		c.leaderNodeID = nodeID
	}
}

// UpdateRole sets a node's Role, maintaining the at-most-one-primary
// invariant: promoting nodeID to Primary demotes any prior primary.
func (c *Cluster) UpdateRole(nodeID int, r Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.findLocked(nodeID)
	if n == nil {
		return
	}
	if r == RolePrimary {
		for _, other := range c.nodes {
			if other.NodeID != nodeID && other.Role == RolePrimary {
				other.Role = RoleStandby
			}
		}
		c.primaryNodeID = nodeID
	} else if c.primaryNodeID == nodeID {
		c.primaryNodeID = -1
	}
	n.Role = r
}

// UpdateHealth sets a node's health score, last-seen timestamp, and
// derives Healthy from HealthThreshold.
func (c *Cluster) UpdateHealth(nodeID int, score int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.findLocked(nodeID)
	if n == nil {
		return
	}
	n.HealthScore = score
	n.Healthy = score >= c.healthThreshold
	n.LastSeen = time.Now()
}

// HasQuorum consults the consensus oracle first, then falls back to a
// majority-healthy heuristic. This ordering is a contract (§4.B): oracle
// leader check, then oracle cluster-healthy check, then local majority.
func (c *Cluster) HasQuorum() bool {
	if c.oracle != nil {
		if leaderID, err := c.oracle.LeaderID(); err == nil && leaderID > 0 {
			c.mu.Lock()
			c.hasQuorum = true
			c.mu.Unlock()
			return true
		}
		if healthy, err := c.oracle.ClusterHealthy(); err == nil && healthy {
			c.mu.Lock()
			c.hasQuorum = true
			c.mu.Unlock()
			return true
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	healthy := 0
	for _, n := range c.nodes {
		if n.Healthy {
			healthy++
		}
	}
	q := healthy > len(c.nodes)/2
	c.hasQuorum = q
	return q
}

// InFailover reports whether a failover is currently in progress.
func (c *Cluster) InFailover() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFailover
}

// SetInFailover is called by the Failover Engine when it enters or leaves
// an active transition.
func (c *Cluster) SetInFailover(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFailover = v
}

// UpdateTopology stamps LastTopologyChange. The node count is the slice
// length, read on demand, so there is no stored count to recompute.
func (c *Cluster) UpdateTopology() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateTopologyLocked()
}

func (c *Cluster) updateTopologyLocked() {
	c.lastTopologyChange = time.Now()
}

// LastTopologyChange returns the timestamp of the last topology mutation.
func (c *Cluster) LastTopologyChange() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTopologyChange
}

// DetectTopologyChange marks any node whose LastSeen exceeds the
// configured node timeout as unhealthy, returning true iff it flipped at
// least one node's Healthy flag.
func (c *Cluster) DetectTopologyChange() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := false
	now := time.Now()
	for _, n := range c.nodes {
		if n.Healthy && now.Sub(n.LastSeen) > c.nodeTimeout {
			n.Healthy = false
			changed = true
		}
	}
	if changed {
		c.updateTopologyLocked()
	}
	return changed
}

// BootstrapPrimary installs the local node as Primary/Leader. Valid only
// when the cluster is empty; a second call fails with AlreadyBootstrapped.
func (c *Cluster) BootstrapPrimary(hostname string, dbPort, consensusPort, kvPort int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.nodes) != 0 {
		return rerrors.New(rerrors.AlreadyBootstrapped, "Cluster.BootstrapPrimary", nil)
	}

	n := newNode(c.localNodeID, hostname, dbPort, consensusPort, kvPort)
	n.Role = RolePrimary
	n.State = StateLeader
	n.Healthy = true
	n.HealthScore = 100
	c.nodes = append(c.nodes, n)
	c.primaryNodeID = c.localNodeID
	c.leaderNodeID = c.localNodeID
	c.updateTopologyLocked()
	return nil
}
