package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/pgElephant/ram-sub001/rerrors"
)

// fieldSetter assigns a raw string value from the file onto cfg.
type fieldSetter func(cfg *Config, raw string) error

var keyTable = buildKeyTable()

func buildKeyTable() map[string]fieldSetter {
	t := map[string]fieldSetter{}

	t["node_id"] = intSetter(func(c *Config, v int) { c.NodeID = v })
	t["hostname"] = strSetter(func(c *Config, v string) { c.Hostname = v })

	t["pg_bin"] = strSetter(func(c *Config, v string) { c.PGBin = v })
	t["pg_data"] = strSetter(func(c *Config, v string) { c.PGData = v })
	t["pg_log"] = strSetter(func(c *Config, v string) { c.PGLog = v })
	t["pg_database"] = strSetter(func(c *Config, v string) { c.PGDatabase = v })
	t["pg_user"] = strSetter(func(c *Config, v string) { c.PGUser = v })
	t["pg_password"] = strSetter(func(c *Config, v string) { c.PGPassword = v })
	t["pg_port"] = intSetter(func(c *Config, v int) { c.PGPort = v })
	t["pg_archive"] = strSetter(func(c *Config, v string) { c.PGArchive = v })

	t["cluster_name"] = strSetter(func(c *Config, v string) { c.Name = v })
	t["cluster_size"] = intSetter(func(c *Config, v int) { c.Size = v })
	t["auto_failover_enabled"] = boolSetter(func(c *Config, v bool) { c.AutoFailoverEnabled = v })
	t["synchronous_replication"] = boolSetter(func(c *Config, v bool) { c.SynchronousReplication = v })
	t["consensus_port"] = intSetter(func(c *Config, v int) { c.ConsensusPort = v })
	t["kv_store_port"] = intSetter(func(c *Config, v int) { c.KVStorePort = v })
	t["pg_network_range"] = strSetter(func(c *Config, v string) { c.NetworkRange = v })

	t["monitor_interval_ms"] = intSetter(func(c *Config, v int) { c.MonitorIntervalMS = v })
	t["health_check_timeout_ms"] = intSetter(func(c *Config, v int) { c.HealthCheckTimeoutMS = v })
	t["node_timeout_seconds"] = intSetter(func(c *Config, v int) { c.NodeTimeoutSeconds = v })
	t["health_threshold"] = intSetter(func(c *Config, v int) { c.HealthThreshold = v })

	t["failover_timeout_ms"] = intSetter(func(c *Config, v int) { c.FailoverTimeoutMS = v })
	t["recovery_timeout_ms"] = intSetter(func(c *Config, v int) { c.RecoveryTimeoutMS = v })
	t["retry_max"] = intSetter(func(c *Config, v int) { c.RetryMax = v })
	t["failover_threshold"] = intSetter(func(c *Config, v int) { c.FailoverThreshold = v })

	t["log_level"] = strSetter(func(c *Config, v string) { c.Level = v })
	t["log_file"] = strSetter(func(c *Config, v string) { c.LogFile = v })
	t["log_syslog"] = boolSetter(func(c *Config, v bool) { c.LogSyslog = v })
	t["log_rotate_max_size_mb"] = intSetter(func(c *Config, v int) { c.RotateMaxSizeMB = v })
	t["log_rotate_max_backup"] = intSetter(func(c *Config, v int) { c.RotateMaxBackup = v })
	t["log_rotate_max_age_days"] = intSetter(func(c *Config, v int) { c.RotateMaxAgeDays = v })
	t["log_rotate_compress"] = boolSetter(func(c *Config, v bool) { c.RotateCompress = v })

	t["http_bind_address"] = strSetter(func(c *Config, v string) { c.BindAddress = v })
	t["http_port"] = intSetter(func(c *Config, v int) { c.Port = v })
	t["http_auth_enabled"] = boolSetter(func(c *Config, v bool) { c.AuthEnabled = v })
	t["http_auth_token"] = strSetter(func(c *Config, v string) { c.AuthToken = v })

	t["sync_mode"] = strSetter(func(c *Config, v string) { c.Mode = v })
	t["sync_num_standbys"] = intSetter(func(c *Config, v int) { c.NumSyncStandbys = v })
	t["sync_min"] = intSetter(func(c *Config, v int) { c.MinSync = v })
	t["sync_max"] = intSetter(func(c *Config, v int) { c.MaxSync = v })
	t["sync_standby_names"] = listSetter(func(c *Config, v []string) { c.StandbyNames = v })
	t["sync_enabled"] = boolSetter(func(c *Config, v bool) { c.Enabled = v })

	t["maintenance_enabled"] = boolSetter(func(c *Config, v bool) { c.Maintenance.Enabled = v })
	t["maintenance_drain_timeout_ms"] = intSetter(func(c *Config, v int) { c.DrainTimeoutMS = v })
	t["maintenance_backup_before"] = boolSetter(func(c *Config, v bool) { c.BackupBeforeMaintenance = v })

	t["pid_file"] = strSetter(func(c *Config, v string) { c.PIDFile = v })
	t["daemon"] = boolSetter(func(c *Config, v bool) { c.Daemon = v })

	return t
}

func strSetter(f func(*Config, string)) fieldSetter {
	return func(c *Config, raw string) error { f(c, raw); return nil }
}

func intSetter(f func(*Config, int)) fieldSetter {
	return func(c *Config, raw string) error {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("not an integer: %q", raw)
		}
		f(c, n)
		return nil
	}
}

func boolSetter(f func(*Config, bool)) fieldSetter {
	return func(c *Config, raw string) error {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("not a boolean: %q", raw)
		}
		f(c, b)
		return nil
	}
}

func listSetter(f func(*Config, []string)) fieldSetter {
	return func(c *Config, raw string) error {
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		f(c, out)
		return nil
	}
}

// Load implements init → apply defaults → load file → apply environment
// overrides → validate, per the Config lifecycle.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := parseFile(path, &cfg); err != nil {
			return Config{}, rerrors.New(rerrors.ConfigParse, "Load", err)
		}
		cfg.sourcePath = path
	}

	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, rerrors.New(rerrors.ConfigInvalid, "Load", err)
	}
	return cfg, nil
}

func parseFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			return fmt.Errorf("%s:%d: missing '=' in %q", path, lineNo, line)
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])

		setter, ok := keyTable[key]
		if !ok {
			log.WithFields(log.Fields{"file": path, "line": lineNo, "key": key}).
				Warn("config: unknown key ignored")
			continue
		}
		if err := setter(cfg, val); err != nil {
			return fmt.Errorf("%s:%d: key %q: %w", path, lineNo, key, err)
		}
	}
	return scanner.Err()
}

// Dump serializes cfg back to the key = value line format it was parsed
// from, supporting the parse→serialize→parse round-trip property.
func Dump(cfg Config) string {
	var b strings.Builder
	writeLine := func(key, val string) {
		fmt.Fprintf(&b, "%s = %s\n", key, val)
	}
	writeInt := func(key string, v int) { writeLine(key, strconv.Itoa(v)) }
	writeBool := func(key string, v bool) { writeLine(key, strconv.FormatBool(v)) }

	writeInt("node_id", cfg.NodeID)
	writeLine("hostname", cfg.Hostname)

	writeLine("pg_bin", cfg.PGBin)
	writeLine("pg_data", cfg.PGData)
	writeLine("pg_log", cfg.PGLog)
	writeLine("pg_database", cfg.PGDatabase)
	writeLine("pg_user", cfg.PGUser)
	writeLine("pg_password", cfg.PGPassword)
	writeInt("pg_port", cfg.PGPort)
	writeLine("pg_archive", cfg.PGArchive)

	writeLine("cluster_name", cfg.Name)
	writeInt("cluster_size", cfg.Size)
	writeBool("auto_failover_enabled", cfg.AutoFailoverEnabled)
	writeBool("synchronous_replication", cfg.SynchronousReplication)
	writeInt("consensus_port", cfg.ConsensusPort)
	writeInt("kv_store_port", cfg.KVStorePort)
	writeLine("pg_network_range", cfg.NetworkRange)

	writeInt("monitor_interval_ms", cfg.MonitorIntervalMS)
	writeInt("health_check_timeout_ms", cfg.HealthCheckTimeoutMS)
	writeInt("node_timeout_seconds", cfg.NodeTimeoutSeconds)
	writeInt("health_threshold", cfg.HealthThreshold)

	writeInt("failover_timeout_ms", cfg.FailoverTimeoutMS)
	writeInt("recovery_timeout_ms", cfg.RecoveryTimeoutMS)
	writeInt("retry_max", cfg.RetryMax)
	writeInt("failover_threshold", cfg.FailoverThreshold)

	writeLine("log_level", cfg.Level)
	writeLine("log_file", cfg.LogFile)
	writeBool("log_syslog", cfg.LogSyslog)
	writeInt("log_rotate_max_size_mb", cfg.RotateMaxSizeMB)
	writeInt("log_rotate_max_backup", cfg.RotateMaxBackup)
	writeInt("log_rotate_max_age_days", cfg.RotateMaxAgeDays)
	writeBool("log_rotate_compress", cfg.RotateCompress)

	writeLine("http_bind_address", cfg.BindAddress)
	writeInt("http_port", cfg.Port)
	writeBool("http_auth_enabled", cfg.AuthEnabled)
	writeLine("http_auth_token", cfg.AuthToken)

	writeLine("sync_mode", cfg.Mode)
	writeInt("sync_num_standbys", cfg.NumSyncStandbys)
	writeInt("sync_min", cfg.MinSync)
	writeInt("sync_max", cfg.MaxSync)
	writeLine("sync_standby_names", strings.Join(cfg.StandbyNames, ","))
	writeBool("sync_enabled", cfg.SyncReplication.Enabled)

	writeBool("maintenance_enabled", cfg.Maintenance.Enabled)
	writeInt("maintenance_drain_timeout_ms", cfg.DrainTimeoutMS)
	writeBool("maintenance_backup_before", cfg.BackupBeforeMaintenance)

	writeLine("pid_file", cfg.PIDFile)
	writeBool("daemon", cfg.Daemon)

	return b.String()
}
