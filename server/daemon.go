package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pgElephant/ram-sub001/cluster"
	"github.com/pgElephant/ram-sub001/config"
	"github.com/pgElephant/ram-sub001/consensus"
	"github.com/pgElephant/ram-sub001/dbdriver"
	"github.com/pgElephant/ram-sub001/rmlog"
)

// Daemon owns every process-wide singleton and the threads that drive
// them, expressed as one value passed by reference rather than package
// globals, per the design note preserving the teacher's single-init/
// single-cleanup lifecycle without a hidden global.
type Daemon struct {
	ConfigMgr   *config.Manager
	Cluster     *cluster.Cluster
	Failover    *cluster.FailoverContext
	Engine      *cluster.Engine
	Maintenance *cluster.States
	SyncPolicy  *cluster.SyncPolicy
	Monitor     *cluster.Monitor
	Cache       *dbdriver.Cache
	Oracle      *consensus.Oracle
	Listener    *Listener
	Metrics     *Metrics

	configPath     string
	startedAt      time.Time
	ready          atomic.Bool
	shutdown       atomic.Bool
	lastCycleCount atomic.Int64
	wg             sync.WaitGroup
}

// staticDirectory is the NodeDirectory backed by the live Cluster + Config,
// mapping node_id to connection/process parameters.
type staticDirectory struct {
	cl  *cluster.Cluster
	cfg *config.Manager
}

func (d *staticDirectory) ConnParams(nodeID int) (dbdriver.ConnParams, bool) {
	n := d.cl.Find(nodeID)
	if n == nil {
		return dbdriver.ConnParams{}, false
	}
	c := d.cfg.Current()
	return dbdriver.ConnParams{
		NodeID:   nodeID,
		Host:     n.Hostname,
		Port:     n.DBPort,
		Database: c.PGDatabase,
		User:     c.PGUser,
		Password: c.PGPassword,
	}, true
}

func (d *staticDirectory) ProcessConfig(nodeID int) (dbdriver.ProcessConfig, bool) {
	if d.cl.Find(nodeID) == nil {
		return dbdriver.ProcessConfig{}, false
	}
	c := d.cfg.Current()
	return dbdriver.ProcessConfig{PGBin: c.PGBin, PGData: c.PGData, PGLog: c.PGLog}, true
}

// NewDaemon constructs every singleton from cfg and wires them together.
// The consensus oracle is optional: a nil oracle means the cluster falls
// back to local quorum heuristics exclusively (§4.D's documented
// fallback).
func NewDaemon(cfg config.Config, configPath string, oracle *consensus.Oracle) *Daemon {
	mgr := config.NewManager(cfg)

	var consensusOracle cluster.ConsensusOracle
	if oracle != nil {
		consensusOracle = oracle
	}

	cl := cluster.New(config.MaxNodes, cfg.NodeID,
		time.Duration(cfg.NodeTimeoutSeconds)*time.Second, cfg.HealthThreshold, consensusOracle)

	fc := cluster.NewFailoverContext()

	dir := &staticDirectory{cl: cl, cfg: mgr}
	cache, _ := dbdriver.NewCache(config.MaxNodes)
	adapter := NewDBAdapter(cache, dir, mgr, cfg.NodeID)

	syncPolicy := cluster.NewSyncPolicy(adapter)
	maint := cluster.NewStates(config.MaxNodes, cl, adapter)
	engine := cluster.NewEngine(fc, cl, adapter, syncPolicy, maint,
		cfg.RetryMax, time.Duration(cfg.FailoverTimeoutMS)*time.Millisecond,
		time.Duration(cfg.RecoveryTimeoutMS)*time.Millisecond)

	var leadership cluster.LeadershipOracle
	if oracle != nil {
		leadership = oracle
	}
	monitor := cluster.NewMonitor(cl, adapter, leadership,
		cfg.MonitorIntervalMS, cfg.HealthCheckTimeoutMS, cfg.FailoverThreshold)

	d := &Daemon{
		ConfigMgr:   mgr,
		Cluster:     cl,
		Failover:    fc,
		Engine:      engine,
		Maintenance: maint,
		SyncPolicy:  syncPolicy,
		Monitor:     monitor,
		Cache:       cache,
		Oracle:      oracle,
		Metrics:     NewMetrics(),
		configPath:  configPath,
		startedAt:   time.Now(),
	}

	monitor.OnPrimaryFailure(func() {
		if d.Engine.ShouldTrigger(mgr.Current().AutoFailoverEnabled, true) {
			d.Engine.Trigger(true, "PrimaryFailure")
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(),
					time.Duration(mgr.Current().FailoverTimeoutMS)*time.Millisecond*time.Duration(mgr.Current().RetryMax+1)+
						time.Duration(mgr.Current().RecoveryTimeoutMS)*time.Millisecond)
				defer cancel()
				if err := d.Engine.Run(ctx, true); err != nil {
					log.WithError(err).Warn("daemon: automatic failover did not complete cleanly")
				}
			}()
		}
	})

	mgr.OnGroup(config.GroupLogging, func(oldCfg, newCfg config.Config) error {
		rmlog.ApplyFile(rmlog.FileConfig{
			Filename:   newCfg.LogFile,
			MaxSizeMB:  newCfg.RotateMaxSizeMB,
			MaxBackups: newCfg.RotateMaxBackup,
			MaxAgeDays: newCfg.RotateMaxAgeDays,
			Compress:   newCfg.RotateCompress,
		})
		if lvl, err := log.ParseLevel(newCfg.Level); err == nil {
			log.SetLevel(lvl)
		}
		return nil
	})
	mgr.OnGroup(config.GroupSyncReplication, func(oldCfg, newCfg config.Config) error {
		// sync_mode is validated here, not in the whole-config reload gate,
		// so an invalid value excludes only this group from AppliedMask
		// rather than aborting the reload (spec.md §8 scenario 5).
		if err := config.ValidateSyncMode(newCfg.Mode); err != nil {
			return err
		}
		// ANY-N is selected by a declared min/max range; otherwise Fixed-N.
		mode := cluster.SyncModeFixedN
		if newCfg.MinSync > 0 && newCfg.MaxSync > newCfg.MinSync {
			mode = cluster.SyncModeAnyN
		}
		return syncPolicy.Configure(mode, newCfg.NumSyncStandbys, newCfg.MinSync, newCfg.MaxSync,
			cluster.CommitLevel(newCfg.Mode), newCfg.SyncReplication.Enabled)
	})

	return d
}

// Start launches the monitor and control-API listener threads.
func (d *Daemon) Start() error {
	cfg := d.ConfigMgr.Current()

	router := NewRouter()
	RegisterRoutes(router, d)
	d.Listener = NewListener(cfg.BindAddress, cfg.Port, router, cfg.AuthEnabled, cfg.AuthToken)

	d.Monitor.Start()

	errCh := make(chan error, 1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		errCh <- d.Listener.Serve()
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		d.ready.Store(true)
		return nil
	}
}

// Stop sets the shutdown flag, joins the monitor, closes the listener,
// closes the connection cache and flushes logging, per §5's resource
// discipline.
func (d *Daemon) Stop() {
	if d.shutdown.Swap(true) {
		return
	}
	d.Monitor.Stop()
	if d.Listener != nil {
		d.Listener.Close()
	}
	d.Cache.CloseAll()
	if d.Oracle != nil {
		d.Oracle.Close()
	}
	rmlog.Close()
	d.wg.Wait()
}

// Ready reports whether the control API is accepting connections, for the
// cluster/status endpoint's alive/starting distinction.
func (d *Daemon) Ready() bool { return d.ready.Load() }

// StartedAt returns the process start time.
func (d *Daemon) StartedAt() time.Time { return d.startedAt }
