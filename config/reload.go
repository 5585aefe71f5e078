package config

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/pgElephant/ram-sub001/rerrors"
)

// Status is the outcome of a Reload call.
type Status string

const (
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusPartial    Status = "partial"
	StatusNoChanges  Status = "no_changes"
)

// ReloadResult reports what changed and what actually got applied.
type ReloadResult struct {
	Status       Status
	DetectedMask Group
	AppliedMask  Group
	Error        error
}

// Handler applies one group's worth of changes to live subsystems.
// Returning an error means that group's changes were not applied; the
// caller still runs every remaining handler (best-effort partial apply).
type Handler func(oldCfg, newCfg Config) error

// Manager owns the live Config under a single writer lock and serializes
// every reload through one routine, whether triggered by signal or by the
// control API.
type Manager struct {
	mu       sync.RWMutex
	live     Config
	handlers map[Group]Handler
}

// NewManager constructs a Manager around an already-loaded Config.
func NewManager(initial Config) *Manager {
	return &Manager{
		live:     initial,
		handlers: make(map[Group]Handler),
	}
}

// OnGroup registers the handler invoked for a group when Reload detects a
// change in it. Call during startup wiring, before the monitor/API threads
// start; not safe to call concurrently with Reload.
func (m *Manager) OnGroup(g Group, h Handler) {
	m.handlers[g] = h
}

// Current returns a copy of the live config.
func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.live
}

// Compare yields the bitmask of groups whose fields differ between old and
// new. Field membership per group mirrors the key table in parse.go.
func Compare(oldCfg, newCfg Config) Group {
	var mask Group

	if oldCfg.Logging != newCfg.Logging {
		mask |= GroupLogging
	}
	if oldCfg.Monitoring != newCfg.Monitoring {
		mask |= GroupMonitoring
	}
	if oldCfg.Failover != newCfg.Failover {
		mask |= GroupFailover
	}
	if oldCfg.Database != newCfg.Database {
		mask |= GroupDatabase
	}
	if oldCfg.Cluster != newCfg.Cluster {
		mask |= GroupCluster
	}
	if !syncReplicationEqual(oldCfg.SyncReplication, newCfg.SyncReplication) {
		mask |= GroupSyncReplication
	}
	if oldCfg.ControlAPI != newCfg.ControlAPI {
		mask |= GroupControlAPI
	}
	if oldCfg.Maintenance != newCfg.Maintenance {
		mask |= GroupMaintenance
	}
	return mask
}

func syncReplicationEqual(a, b SyncReplication) bool {
	if a.Mode != b.Mode || a.NumSyncStandbys != b.NumSyncStandbys ||
		a.MinSync != b.MinSync || a.MaxSync != b.MaxSync || a.Enabled != b.Enabled {
		return false
	}
	if len(a.StandbyNames) != len(b.StandbyNames) {
		return false
	}
	for i := range a.StandbyNames {
		if a.StandbyNames[i] != b.StandbyNames[i] {
			return false
		}
	}
	return true
}

// Reload validates newCfg against the live config, then applies each
// changed group via its registered handler. A handler's failure does not
// stop the remaining handlers from running and does not block the atomic
// swap of the live config — it only excludes that group from AppliedMask.
// This is the documented best-effort-partial-apply-but-atomic-swap rule.
func (m *Manager) Reload(newCfg Config) ReloadResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldCfg := m.live

	if err := ValidateReload(oldCfg, newCfg); err != nil {
		return ReloadResult{
			Status: StatusFailed,
			Error:  rerrors.New(rerrors.ConfigInvalid, "Reload", err),
		}
	}

	detected := Compare(oldCfg, newCfg)
	if detected == 0 {
		return ReloadResult{Status: StatusNoChanges}
	}

	var applied Group
	var firstErr error
	for _, bit := range allGroups {
		if !detected.Has(bit) {
			continue
		}
		h, ok := m.handlers[bit]
		if !ok {
			applied |= bit
			continue
		}
		if err := h(oldCfg, newCfg); err != nil {
			log.WithError(err).WithField("group", bit.String()).Warn("config: reload sub-handler failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		applied |= bit
	}

	m.live = newCfg

	switch {
	case firstErr == nil:
		return ReloadResult{Status: StatusSuccess, DetectedMask: detected, AppliedMask: applied}
	case applied == 0:
		return ReloadResult{Status: StatusFailed, DetectedMask: detected, AppliedMask: applied, Error: firstErr}
	default:
		return ReloadResult{Status: StatusPartial, DetectedMask: detected, AppliedMask: applied, Error: firstErr}
	}
}

var allGroups = []Group{
	GroupLogging, GroupMonitoring, GroupFailover, GroupDatabase,
	GroupCluster, GroupSyncReplication, GroupControlAPI, GroupMaintenance,
}
