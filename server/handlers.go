package server

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pgElephant/ram-sub001/cluster"
	"github.com/pgElephant/ram-sub001/config"
	"github.com/pgElephant/ram-sub001/rerrors"
)

// RegisterRoutes installs the literal §4.I route table against d's
// singletons.
func RegisterRoutes(r *Router, d *Daemon) {
	r.Handle("GET", "/api/v1/cluster/status", d.handleClusterStatus)
	r.Handle("GET", "/api/v1/nodes", d.handleListNodes)
	r.Handle("GET", "/api/v1/nodes/{id}", d.handleNodeDetail)
	r.Handle("POST", "/api/v1/promote/{id}", d.handlePromote)
	r.Handle("POST", "/api/v1/demote/{id}", d.handleDemote)
	r.Handle("POST", "/api/v1/failover", d.handleFailover)
	r.Handle("GET", "/api/v1/maintenance/{id}", d.handleMaintenanceRead)
	r.Handle("POST", "/api/v1/maintenance/{id}", d.handleMaintenanceToggle)
	r.Handle("POST", "/api/v1/config/reload", d.handleConfigReload)
	r.Handle("GET", "/api/v1/replication/sync", d.handleSyncRead)
	r.Handle("POST", "/api/v1/replication/sync", d.handleSyncUpdate)
	r.Handle("POST", "/api/v1/bootstrap/primary", d.handleBootstrapPrimary)
	r.Handle("POST", "/api/v1/replica/add", d.handleReplicaAdd)
	r.Handle("GET", "/metrics", d.handleMetrics)
}

func errResponse(err error) Response {
	kind := rerrors.KindOf(err)
	return Response{Status: rerrors.HTTPStatus(kind), Body: errBody(string(kind))}
}

type nodeView struct {
	NodeID      int    `json:"node_id"`
	Hostname    string `json:"hostname"`
	Role        string `json:"role"`
	State       string `json:"state"`
	Healthy     bool   `json:"healthy"`
	HealthScore int    `json:"health_score"`
}

func toNodeView(n *cluster.Node) nodeView {
	return nodeView{
		NodeID:      n.NodeID,
		Hostname:    n.Hostname,
		Role:        n.Role.String(),
		State:       n.State.String(),
		Healthy:     n.Healthy,
		HealthScore: n.HealthScore,
	}
}

func (d *Daemon) handleClusterStatus(req *Request, params map[string]string) Response {
	snap := d.Failover.Snapshot()
	status := "alive"
	if !d.Ready() {
		status = "starting"
	}
	return Response{Status: 200, Body: map[string]any{
		"status":           status,
		"primary_node_id":  primaryID(d.Cluster),
		"leader_node_id":   leaderID(d.Cluster),
		"has_quorum":       d.Cluster.HasQuorum(),
		"node_count":       d.Cluster.NodeCount(),
		"failover_state":   failoverStateName(snap.State),
		"failover_reason":  snap.Reason,
		"uptime_seconds":   int(time.Since(d.StartedAt()).Seconds()),
	}}
}

func primaryID(c *cluster.Cluster) int {
	if n := c.Primary(); n != nil {
		return n.NodeID
	}
	return -1
}

func leaderID(c *cluster.Cluster) int {
	if n := c.Leader(); n != nil {
		return n.NodeID
	}
	return -1
}

func failoverStateName(s cluster.FailoverState) string { return s.String() }

func (d *Daemon) handleListNodes(req *Request, params map[string]string) Response {
	nodes := d.Cluster.Nodes()
	out := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, toNodeView(n))
	}
	return Response{Status: 200, Body: out}
}

func (d *Daemon) handleNodeDetail(req *Request, params map[string]string) Response {
	id, ok := paramInt(params, "id")
	if !ok {
		return Response{Status: 400, Body: errBody("invalid node id")}
	}
	n := d.Cluster.Find(id)
	if n == nil {
		return Response{Status: 404, Body: errBody("node not found")}
	}
	return Response{Status: 200, Body: toNodeView(n)}
}

func (d *Daemon) handlePromote(req *Request, params map[string]string) Response {
	id, ok := paramInt(params, "id")
	if !ok {
		return Response{Status: 400, Body: errBody("invalid node id")}
	}
	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(d.ConfigMgr.Current().FailoverTimeoutMS)*time.Millisecond)
	defer cancel()
	if err := d.Engine.Promote(ctx, id); err != nil {
		return errResponse(err)
	}
	return Response{Status: 200, Body: map[string]string{"status": "promoted"}}
}

func (d *Daemon) handleDemote(req *Request, params map[string]string) Response {
	id, ok := paramInt(params, "id")
	if !ok {
		return Response{Status: 400, Body: errBody("invalid node id")}
	}
	d.Cluster.UpdateState(id, cluster.StateFailed)
	return Response{Status: 200, Body: map[string]string{"status": "demoted"}}
}

// handleFailover triggers the engine and hands the bounded run (up to
// failover_timeout_ms*(retry_max+1)+recovery_timeout_ms, per P4) off to a
// transient worker goroutine rather than the short-lived connection
// worker, mirroring the async pattern daemon.go's OnPrimaryFailure callback
// uses — the request's own TCP connection is not held open for the
// duration of a failover.
func (d *Daemon) handleFailover(req *Request, params map[string]string) Response {
	if !d.Engine.ShouldTrigger(d.ConfigMgr.Current().AutoFailoverEnabled, true) {
		return Response{Status: 409, Body: errBody(string(rerrors.Conflict))}
	}
	d.Engine.Trigger(false, "operator requested")

	go func() {
		cfg := d.ConfigMgr.Current()
		ctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.FailoverTimeoutMS)*time.Millisecond*time.Duration(cfg.RetryMax+1)+
				time.Duration(cfg.RecoveryTimeoutMS)*time.Millisecond)
		defer cancel()
		if err := d.Engine.Run(ctx, true); err != nil {
			log.WithError(err).Warn("control-api: operator-requested failover did not complete cleanly")
		}
	}()

	return Response{Status: 202, Body: d.Failover.Snapshot()}
}

type maintenanceRequest struct {
	Action              string `json:"action"` // "enter" | "exit"
	Reason              string `json:"reason"`
	Contact             string `json:"contact"`
	DisableAutoFailover bool   `json:"disable_auto_failover"`
	TakeBackupFirst     bool   `json:"take_backup_first"`
	Drain               bool   `json:"drain"`
	DrainTimeoutMS      int    `json:"drain_timeout_ms"`
}

func (d *Daemon) handleMaintenanceRead(req *Request, params map[string]string) Response {
	id, ok := paramInt(params, "id")
	if !ok {
		return Response{Status: 400, Body: errBody("invalid node id")}
	}
	st := d.Maintenance.Get(id)
	return Response{Status: 200, Body: st}
}

// handleMaintenanceToggle restores the connection promptly on exit (a fast,
// non-draining path) but hands entry off to a transient worker goroutine:
// drain_timeout_ms defaults to 30s and callers may set it higher, which
// would otherwise outlive the connection's own read/write deadline.
func (d *Daemon) handleMaintenanceToggle(req *Request, params map[string]string) Response {
	id, ok := paramInt(params, "id")
	if !ok {
		return Response{Status: 400, Body: errBody("invalid node id")}
	}
	var body maintenanceRequest
	if err := decodeBody(req.Body, &body); err != nil {
		return Response{Status: 400, Body: errBody("malformed body")}
	}

	if body.Action == "exit" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.Maintenance.Exit(ctx, id); err != nil {
			return errResponse(err)
		}
		return Response{Status: 200, Body: map[string]string{"status": "exited"}}
	}

	drainTimeout := time.Duration(body.DrainTimeoutMS) * time.Millisecond
	if drainTimeout <= 0 {
		drainTimeout = time.Duration(d.ConfigMgr.Current().DrainTimeoutMS) * time.Millisecond
	}
	enterReq := cluster.EnterRequest{
		NodeID:              id,
		Type:                cluster.MaintenanceNode,
		Reason:              body.Reason,
		Contact:             body.Contact,
		DisableAutoFailover: body.DisableAutoFailover,
		TakeBackupFirst:     body.TakeBackupFirst,
		Drain:               body.Drain,
		DrainTimeout:        drainTimeout,
	}

	go func() {
		// Generous margin over drainTimeout itself to cover the pre-checks
		// (reachability probe, backup) Enter also runs before draining.
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout+30*time.Second)
		defer cancel()
		if err := d.Maintenance.Enter(ctx, enterReq); err != nil {
			log.WithError(err).WithField("node_id", id).Warn("control-api: maintenance enter did not complete cleanly")
		}
	}()

	return Response{Status: 202, Body: d.Maintenance.Get(id)}
}

func (d *Daemon) handleConfigReload(req *Request, params map[string]string) Response {
	newCfg, err := config.Load(d.configPath)
	if err != nil {
		return errResponse(err)
	}
	result := d.ConfigMgr.Reload(newCfg)
	status := 200
	if result.Status == config.StatusFailed {
		status = 500
	}
	body := map[string]any{
		"status":        result.Status,
		"detected_mask": result.DetectedMask.String(),
		"applied_mask":  result.AppliedMask.String(),
	}
	if result.Error != nil {
		body["error"] = result.Error.Error()
	}
	return Response{Status: status, Body: body}
}

type syncUpdateRequest struct {
	Mode            string   `json:"mode"`
	NumSyncStandbys int      `json:"num_sync_standbys"`
	MinSync         int      `json:"min_sync"`
	MaxSync         int      `json:"max_sync"`
	CommitLevel     string   `json:"commit_level"`
	Enabled         bool     `json:"enabled"`
	StandbyNames    []string `json:"standby_names"`
}

func (d *Daemon) handleSyncRead(req *Request, params map[string]string) Response {
	return Response{Status: 200, Body: map[string]any{
		"names":    d.SyncPolicy.NamesString(),
		"standbys": d.SyncPolicy.Standbys(),
	}}
}

func (d *Daemon) handleSyncUpdate(req *Request, params map[string]string) Response {
	var body syncUpdateRequest
	if err := decodeBody(req.Body, &body); err != nil {
		return Response{Status: 400, Body: errBody("malformed body")}
	}
	mode := cluster.SyncModeFixedN
	if body.Mode == "any" {
		mode = cluster.SyncModeAnyN
	}
	if err := d.SyncPolicy.Configure(mode, body.NumSyncStandbys, body.MinSync, body.MaxSync,
		cluster.CommitLevel(body.CommitLevel), body.Enabled); err != nil {
		return errResponse(err)
	}
	for i, name := range body.StandbyNames {
		d.SyncPolicy.Add(name, i, true)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.SyncPolicy.Push(ctx); err != nil {
		return errResponse(err)
	}
	return Response{Status: 200, Body: map[string]string{"names": d.SyncPolicy.NamesString()}}
}

func (d *Daemon) handleBootstrapPrimary(req *Request, params map[string]string) Response {
	cfg := d.ConfigMgr.Current()
	if err := d.Cluster.BootstrapPrimary(cfg.Hostname, cfg.PGPort, cfg.ConsensusPort, cfg.KVStorePort); err != nil {
		return errResponse(err)
	}
	return Response{Status: 200, Body: map[string]any{"node_count": d.Cluster.NodeCount()}}
}

type replicaAddRequest struct {
	NodeID        int    `json:"node_id"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	ConsensusPort int    `json:"consensus_port"`
	KVStorePort   int    `json:"kv_store_port"`
}

func (d *Daemon) handleReplicaAdd(req *Request, params map[string]string) Response {
	var body replicaAddRequest
	if err := decodeBody(req.Body, &body); err != nil {
		return Response{Status: 400, Body: errBody("malformed body")}
	}
	if body.Host == "" || body.Port == 0 {
		return Response{Status: 400, Body: errBody("host and port are required")}
	}
	if body.NodeID == 0 {
		body.NodeID = d.Cluster.NodeCount() + 1
	}
	if err := d.Cluster.Add(body.NodeID, body.Host, body.Port, body.ConsensusPort, body.KVStorePort); err != nil {
		return errResponse(err)
	}
	d.Cluster.UpdateRole(body.NodeID, cluster.RoleStandby)
	d.Cluster.UpdateState(body.NodeID, cluster.StateStandby)
	return Response{Status: 200, Body: map[string]any{"node_count": d.Cluster.NodeCount()}}
}
