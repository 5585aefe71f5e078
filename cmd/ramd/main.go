// Command ramd is the auto-failover daemon for a cluster of replicated
// PostgreSQL instances: it parses its configuration, optionally dials the
// consensus oracle, wires the process-wide singletons, and serves the
// Control API until asked to stop.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/pgElephant/ram-sub001/config"
	"github.com/pgElephant/ram-sub001/consensus"
	"github.com/pgElephant/ram-sub001/rmlog"
	"github.com/pgElephant/ram-sub001/server"
)

// version is set by ldflags at release build time.
var version = "dev"

const (
	exitOK            = 0
	exitInitFailure   = 1
	exitConfigInvalid = 2
	exitBindFailure   = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.StringP("config", "c", "/etc/ramd/ramd.conf", "path to the ramd configuration file")
		foreground = flag.BoolP("foreground", "f", false, "run in the foreground instead of daemonizing")
		showHelp   = flag.BoolP("help", "h", false, "print usage and exit")
		showVer    = flag.BoolP("version", "v", false, "print the version and exit")
	)
	flag.Parse()

	if *showHelp {
		flag.Usage()
		return exitOK
	}
	if *showVer {
		fmt.Println("ramd", version)
		return exitOK
	}

	rmlog.Init(log.InfoLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Error("ramd: failed to load configuration")
		return exitConfigInvalid
	}

	rmlog.ApplyFile(rmlog.FileConfig{
		Filename:   cfg.LogFile,
		MaxSizeMB:  cfg.RotateMaxSizeMB,
		MaxBackups: cfg.RotateMaxBackup,
		MaxAgeDays: cfg.RotateMaxAgeDays,
		Compress:   cfg.RotateCompress,
	})
	if lvl, err := log.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(lvl)
	}

	if !*foreground && cfg.Daemon {
		if err := writePIDFile(cfg.PIDFile); err != nil {
			log.WithError(err).Warn("ramd: could not write pid file")
		}
		defer os.Remove(cfg.PIDFile)
	}

	var oracle *consensus.Oracle
	if cfg.ConsensusPort > 0 {
		oracle, err = consensus.Dial(consensus.Config{
			Endpoints:    []string{fmt.Sprintf("%s:%d", cfg.Hostname, cfg.KVStorePort)},
			ClusterName:  cfg.Name,
			DialTimeout:  5 * time.Second,
			QueryTimeout: 3 * time.Second,
		})
		if err != nil {
			log.WithError(err).Warn("ramd: consensus oracle unavailable, falling back to local quorum heuristics")
			oracle = nil
		}
	}

	d := server.NewDaemon(cfg, *configPath, oracle)
	if err := d.Start(); err != nil {
		log.WithError(err).Error("ramd: failed to bind the control API")
		return exitBindFailure
	}
	log.WithFields(log.Fields{"node_id": cfg.NodeID, "cluster": cfg.Name}).Info("ramd: started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for s := range sig {
		if s == syscall.SIGHUP {
			reloadFromDisk(d, *configPath)
			continue
		}
		log.WithField("signal", s).Info("ramd: shutting down")
		d.Stop()
		return exitOK
	}
	return exitOK
}

func reloadFromDisk(d *server.Daemon, path string) {
	newCfg, err := config.Load(path)
	if err != nil {
		log.WithError(err).Warn("ramd: SIGHUP reload failed to parse configuration")
		return
	}
	result := d.ConfigMgr.Reload(newCfg)
	log.WithFields(log.Fields{
		"status":        result.Status,
		"detected_mask": result.DetectedMask.String(),
		"applied_mask":  result.AppliedMask.String(),
	}).Info("ramd: configuration reloaded")
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}
