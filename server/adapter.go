package server

import (
	"context"
	"net"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pgElephant/ram-sub001/cluster"
	"github.com/pgElephant/ram-sub001/config"
	"github.com/pgElephant/ram-sub001/dbdriver"
)

// NodeDirectory resolves a node_id to the connection parameters and
// process config needed to reach it; backed by the live Cluster plus
// Config in the real daemon, and by a fixed map in tests.
type NodeDirectory interface {
	ConnParams(nodeID int) (dbdriver.ConnParams, bool)
	ProcessConfig(nodeID int) (dbdriver.ProcessConfig, bool)
}

// DBAdapter wires the connection cache and query helpers to the narrow
// interfaces cluster.DbDriver, cluster.MonitorDbDriver,
// cluster.SyncDbDriver and cluster.MaintenanceDbDriver expect, so the
// cluster package never imports database/sql concerns directly.
type DBAdapter struct {
	cache     *dbdriver.Cache
	dir       NodeDirectory
	mgr       *config.Manager
	localID   int
}

// NewDBAdapter builds an adapter around the process's connection cache and
// node directory.
func NewDBAdapter(cache *dbdriver.Cache, dir NodeDirectory, mgr *config.Manager, localID int) *DBAdapter {
	return &DBAdapter{cache: cache, dir: dir, mgr: mgr, localID: localID}
}

func (a *DBAdapter) conn(ctx context.Context, nodeID int) (*sqlx.DB, error) {
	params, ok := a.dir.ConnParams(nodeID)
	if !ok {
		return nil, errNodeUnknown
	}
	return a.cache.Get(ctx, params)
}

// Promote implements cluster.DbDriver.
func (a *DBAdapter) Promote(ctx context.Context, nodeID int) error {
	pcfg, ok := a.dir.ProcessConfig(nodeID)
	if !ok {
		return errNodeUnknown
	}
	_, err := dbdriver.PgCtl(ctx, pcfg, dbdriver.CtlPromote)
	return err
}

// IsPrimaryAndAccepting implements cluster.DbDriver.
func (a *DBAdapter) IsPrimaryAndAccepting(ctx context.Context, nodeID int) (bool, error) {
	db, err := a.conn(ctx, nodeID)
	if err != nil {
		return false, err
	}
	inRecovery, err := dbdriver.IsInRecovery(ctx, db)
	if err != nil {
		return false, err
	}
	return !inRecovery && dbdriver.AcceptsConnections(ctx, db), nil
}

// StopReplication implements cluster.DbDriver.
func (a *DBAdapter) StopReplication(ctx context.Context, nodeID int) error {
	pcfg, ok := a.dir.ProcessConfig(nodeID)
	if !ok {
		return errNodeUnknown
	}
	_, err := dbdriver.PgCtl(ctx, pcfg, dbdriver.CtlStop)
	return err
}

// ReconfigureRecovery implements cluster.DbDriver: rewrites the standby's
// primary_conninfo via ALTER SYSTEM SET and lets RequestReload apply it.
func (a *DBAdapter) ReconfigureRecovery(ctx context.Context, nodeID, newPrimaryID int) error {
	db, err := a.conn(ctx, nodeID)
	if err != nil {
		return err
	}
	newPrimary, ok := a.dir.ConnParams(newPrimaryID)
	if !ok {
		return errNodeUnknown
	}
	conninfo := "host=" + newPrimary.Host + " port=" + itoa(newPrimary.Port)
	return dbdriver.AlterSystemSet(ctx, db, "primary_conninfo", conninfo)
}

// RequestReload implements cluster.DbDriver.
func (a *DBAdapter) RequestReload(ctx context.Context, nodeID int) error {
	db, err := a.conn(ctx, nodeID)
	if err != nil {
		return err
	}
	return dbdriver.ReloadConfig(ctx, db)
}

// Probe implements cluster.MonitorDbDriver.
func (a *DBAdapter) Probe(ctx context.Context, nodeID int) (cluster.NodeStatus, error) {
	db, err := a.conn(ctx, nodeID)
	if err != nil {
		return cluster.NodeStatus{}, err
	}
	inRecovery, err := dbdriver.IsInRecovery(ctx, db)
	if err != nil {
		return cluster.NodeStatus{}, err
	}
	accepting := dbdriver.AcceptsConnections(ctx, db)
	lag, _ := dbdriver.ReplicationLagSeconds(ctx, db)
	walText, _ := dbdriver.CurrentWALPosition(ctx, db)

	return cluster.NodeStatus{
		Running:            true,
		IsPrimary:          !inRecovery,
		IsInRecovery:       inRecovery,
		AcceptsConnections: accepting,
		WALPosition:        walLSNToUint(walText),
		LagMS:              int64(lag * 1000),
	}, nil
}

// SetSyncStandbyNames implements cluster.SyncDbDriver.
func (a *DBAdapter) SetSyncStandbyNames(ctx context.Context, names string) error {
	db, err := a.conn(ctx, a.localID)
	if err != nil {
		return err
	}
	return dbdriver.AlterSystemSet(ctx, db, "synchronous_standby_names", names)
}

// SetSyncCommitLevel implements cluster.SyncDbDriver.
func (a *DBAdapter) SetSyncCommitLevel(ctx context.Context, level cluster.CommitLevel) error {
	db, err := a.conn(ctx, a.localID)
	if err != nil {
		return err
	}
	return dbdriver.AlterSystemSet(ctx, db, "synchronous_commit", string(level))
}

// ReloadLocal implements cluster.SyncDbDriver.
func (a *DBAdapter) ReloadLocal(ctx context.Context) error {
	db, err := a.conn(ctx, a.localID)
	if err != nil {
		return err
	}
	return dbdriver.ReloadConfig(ctx, db)
}

// TCPProbe implements cluster.MaintenanceDbDriver.
func (a *DBAdapter) TCPProbe(ctx context.Context, nodeID int) error {
	params, ok := a.dir.ConnParams(nodeID)
	if !ok {
		return errNodeUnknown
	}
	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", params.Host+":"+itoa(params.Port))
	if err != nil {
		return err
	}
	return conn.Close()
}

// ActiveSessionCount implements cluster.MaintenanceDbDriver.
func (a *DBAdapter) ActiveSessionCount(ctx context.Context, nodeID int) (int, error) {
	db, err := a.conn(ctx, nodeID)
	if err != nil {
		return 0, err
	}
	n, err := dbdriver.ActiveSessionsCount(ctx, db)
	return int(n), err
}

// SetAcceptingNewSessions implements cluster.MaintenanceDbDriver by
// toggling the GUC that rejects new non-superuser connections.
func (a *DBAdapter) SetAcceptingNewSessions(ctx context.Context, nodeID int, accepting bool) error {
	db, err := a.conn(ctx, nodeID)
	if err != nil {
		return err
	}
	val := "0"
	if accepting {
		val = "-1"
	}
	return dbdriver.AlterSystemSet(ctx, db, "superuser_reserved_connections", val)
}

// TakeBackup implements cluster.MaintenanceDbDriver via pg_basebackup
// sourced from the node itself into a timestamped target directory.
func (a *DBAdapter) TakeBackup(ctx context.Context, nodeID int) (string, error) {
	pcfg, ok := a.dir.ProcessConfig(nodeID)
	if !ok {
		return "", errNodeUnknown
	}
	params, ok := a.dir.ConnParams(nodeID)
	if !ok {
		return "", errNodeUnknown
	}
	backupID := "backup-" + time.Now().UTC().Format("20060102T150405Z")
	target := pcfg.PGData + "-" + backupID
	_, err := dbdriver.BaseBackup(ctx, pcfg, params.Host, params.Port, target, params.User)
	if err != nil {
		return "", err
	}
	return backupID, nil
}

func walLSNToUint(lsn string) uint64 {
	// "X/Y" hex pair; collapse to a single monotonic integer for ranking.
	var hi, lo uint64
	n, _ := fmtSscanLSN(lsn, &hi, &lo)
	if n != 2 {
		return 0
	}
	return hi<<32 | lo
}
