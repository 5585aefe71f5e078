package cluster

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pgElephant/ram-sub001/rerrors"
)

// CommitLevel is the synchronous-commit level requested of the primary.
type CommitLevel string

const (
	CommitOff         CommitLevel = "off"
	CommitLocal       CommitLevel = "local"
	CommitRemoteWrite CommitLevel = "remote_write"
	CommitRemoteApply CommitLevel = "remote_apply"
)

// SyncMode selects how the synchronous_standby_names value is constructed.
type SyncMode int

const (
	SyncModeFixedN SyncMode = iota
	SyncModeAnyN
)

// StandbyEntry is one named standby in the policy's ordered list.
type StandbyEntry struct {
	Name        string
	Priority    int
	Enabled     bool
	ObservedSync bool
	ObservedLagMS int64
}

// SyncDbDriver is the narrow subset of the DB Driver Facade the manager
// needs to push a new policy.
type SyncDbDriver interface {
	SetSyncStandbyNames(ctx context.Context, names string) error
	SetSyncCommitLevel(ctx context.Context, level CommitLevel) error
	ReloadLocal(ctx context.Context) error
}

// SyncPolicy is the process-wide singleton tracking the declared and
// observed synchronous-replication state, per §4.G / §3.
type SyncPolicy struct {
	mu sync.Mutex

	mode     SyncMode
	minSync  int
	maxSync  int
	numSync  int
	commit   CommitLevel
	enabled  bool
	standbys []StandbyEntry

	db SyncDbDriver
}

// NewSyncPolicy constructs an empty policy wired to db for pushes.
func NewSyncPolicy(db SyncDbDriver) *SyncPolicy {
	return &SyncPolicy{db: db, mode: SyncModeFixedN, commit: CommitOff}
}

// Configure sets the declared policy shape (mode, counts, commit level,
// enabled flag) without touching the standby list.
func (p *SyncPolicy) Configure(mode SyncMode, numSync, minSync, maxSync int, commit CommitLevel, enabled bool) error {
	if minSync > maxSync {
		return rerrors.New(rerrors.ConfigInvalid, "SyncPolicy.Configure", fmt.Errorf("min_sync %d > max_sync %d", minSync, maxSync))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = mode
	p.numSync = numSync
	p.minSync = minSync
	p.maxSync = maxSync
	p.commit = commit
	p.enabled = enabled
	return nil
}

// Add inserts or updates a named standby in priority order.
func (p *SyncPolicy) Add(name string, priority int, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.standbys {
		if p.standbys[i].Name == name {
			p.standbys[i].Priority = priority
			p.standbys[i].Enabled = enabled
			p.sortLocked()
			return
		}
	}
	p.standbys = append(p.standbys, StandbyEntry{Name: name, Priority: priority, Enabled: enabled})
	p.sortLocked()
}

// Remove deletes a named standby, if present.
func (p *SyncPolicy) Remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.standbys {
		if s.Name == name {
			p.standbys = append(p.standbys[:i], p.standbys[i+1:]...)
			return
		}
	}
}

func (p *SyncPolicy) sortLocked() {
	sort.SliceStable(p.standbys, func(i, j int) bool {
		return p.standbys[i].Priority < p.standbys[j].Priority
	})
}

// NamesString serializes the current policy into the
// synchronous_standby_names value PostgreSQL expects.
func (p *SyncPolicy) NamesString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.namesStringLocked()
}

func (p *SyncPolicy) namesStringLocked() string {
	if !p.enabled || len(p.standbys) == 0 {
		return ""
	}
	var enabledNames []string
	for _, s := range p.standbys {
		if s.Enabled {
			enabledNames = append(enabledNames, s.Name)
		}
	}
	if len(enabledNames) == 0 {
		return ""
	}

	switch p.mode {
	case SyncModeAnyN:
		n := p.minSync
		if n < 1 {
			n = 1
		}
		if n > len(enabledNames) {
			n = len(enabledNames)
		}
		return fmt.Sprintf("ANY %d (%s)", n, strings.Join(enabledNames, ","))
	default: // SyncModeFixedN
		n := p.numSync
		if n > len(enabledNames) {
			n = len(enabledNames)
		}
		if n <= 0 {
			return ""
		}
		return strings.Join(enabledNames[:n], ",")
	}
}

// Push serializes the policy and applies it to the local database as two
// parameter changes plus a config reload, per §4.G.
func (p *SyncPolicy) Push(ctx context.Context) error {
	names := p.NamesString()
	p.mu.Lock()
	commit := p.commit
	p.mu.Unlock()

	if err := p.db.SetSyncStandbyNames(ctx, names); err != nil {
		return rerrors.New(rerrors.Internal, "SyncPolicy.Push", err)
	}
	if err := p.db.SetSyncCommitLevel(ctx, commit); err != nil {
		return rerrors.New(rerrors.Internal, "SyncPolicy.Push", err)
	}
	if err := p.db.ReloadLocal(ctx); err != nil {
		return rerrors.New(rerrors.Internal, "SyncPolicy.Push", err)
	}
	return nil
}

// RecomputeAfterFailover rebuilds the standby list against the new
// primary's surviving standbys and re-pushes the policy. Satisfies the
// cluster.SyncManager interface consumed by the Failover Engine.
func (p *SyncPolicy) RecomputeAfterFailover(newPrimaryID int, standbyNodeIDs []int) error {
	// The node-id -> name mapping lives in the Cluster; callers that know
	// it push an updated Add/Remove set before calling this. Here we only
	// guarantee the push happens against whatever list is currently held.
	return p.Push(context.Background())
}

// ObserveStandby records a standby's observed sync/lag state, as reported
// by the Health Monitor.
func (p *SyncPolicy) ObserveStandby(name string, isSync bool, lagMS int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.standbys {
		if p.standbys[i].Name == name {
			p.standbys[i].ObservedSync = isSync
			p.standbys[i].ObservedLagMS = lagMS
			return
		}
	}
}

// Standbys returns a snapshot copy of the declared standby list.
func (p *SyncPolicy) Standbys() []StandbyEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StandbyEntry, len(p.standbys))
	copy(out, p.standbys)
	return out
}
