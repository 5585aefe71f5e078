package config

import "fmt"

// Validate enforces the load-time invariants from §4.A, including the
// sync_mode enum. Used for the full-config gate at startup, where there is
// no partial-apply concept and any invalid field must reject the whole
// config.
func Validate(cfg Config) error {
	if err := validateCommon(cfg); err != nil {
		return err
	}
	return ValidateSyncMode(cfg.Mode)
}

// validateCommon runs every §4.A invariant except the sync_mode enum, which
// is validated separately so reload-time checks can apply it per-group
// (GroupSyncReplication) instead of failing the whole reload.
func validateCommon(cfg Config) error {
	if cfg.NodeID < 1 || cfg.NodeID > MaxNodes {
		return fmt.Errorf("node_id %d out of range [1, %d]", cfg.NodeID, MaxNodes)
	}
	if cfg.Hostname == "" {
		return fmt.Errorf("hostname must not be empty")
	}
	if err := validatePort(cfg.PGPort, "pg_port"); err != nil {
		return err
	}
	if err := validatePort(cfg.ConsensusPort, "consensus_port"); err != nil {
		return err
	}
	if err := validatePort(cfg.KVStorePort, "kv_store_port"); err != nil {
		return err
	}
	if err := validatePort(cfg.Port, "http_port"); err != nil {
		return err
	}
	if cfg.PGData == "" {
		return fmt.Errorf("pg_data must not be empty")
	}
	if cfg.Size < 1 || cfg.Size > MaxNodes {
		return fmt.Errorf("cluster_size %d out of range [1, %d]", cfg.Size, MaxNodes)
	}
	if cfg.MonitorIntervalMS <= 0 {
		return fmt.Errorf("monitor_interval_ms must be positive")
	}
	if cfg.HealthCheckTimeoutMS <= 0 {
		return fmt.Errorf("health_check_timeout_ms must be positive")
	}
	if cfg.NodeTimeoutSeconds <= 0 {
		return fmt.Errorf("node_timeout_seconds must be positive")
	}
	if cfg.FailoverTimeoutMS <= 0 {
		return fmt.Errorf("failover_timeout_ms must be positive")
	}
	if cfg.RecoveryTimeoutMS <= 0 {
		return fmt.Errorf("recovery_timeout_ms must be positive")
	}
	if cfg.DrainTimeoutMS <= 0 {
		return fmt.Errorf("maintenance_drain_timeout_ms must be positive")
	}
	if cfg.MinSync > cfg.MaxSync || cfg.MaxSync > MaxSync {
		return fmt.Errorf("sync_min/sync_max out of range: min=%d max=%d cap=%d", cfg.MinSync, cfg.MaxSync, MaxSync)
	}
	return nil
}

// ValidateSyncMode enforces the sync_mode enum on its own, so the
// GroupSyncReplication reload handler can reject an invalid value without
// the rest of the reload's groups being blocked.
func ValidateSyncMode(mode string) error {
	switch mode {
	case "off", "local", "remote_write", "remote_apply":
		return nil
	default:
		return fmt.Errorf("sync_mode %q is not one of off|local|remote_write|remote_apply", mode)
	}
}

func validatePort(p int, field string) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("%s %d out of range [1, 65535]", field, p)
	}
	return nil
}

// ValidateReload runs the structural §4.A checks (excluding sync_mode,
// which is validated per-group by the GroupSyncReplication handler) plus
// the additional reload-time prohibition on changing node_id or hostname.
func ValidateReload(oldCfg, newCfg Config) error {
	if newCfg.NodeID != oldCfg.NodeID {
		return fmt.Errorf("node_id is immutable across reload (was %d, got %d)", oldCfg.NodeID, newCfg.NodeID)
	}
	if newCfg.Hostname != oldCfg.Hostname {
		return fmt.Errorf("hostname is immutable across reload (was %q, got %q)", oldCfg.Hostname, newCfg.Hostname)
	}
	return validateCommon(newCfg)
}
