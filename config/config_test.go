package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgElephant/ram-sub001/rerrors"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ramd.conf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const validConfig = `
# ramd test config
node_id = 1
hostname = n1.local
pg_bin = /usr/lib/postgresql/16/bin
pg_data = /var/lib/postgresql/16/main
pg_database = postgres
pg_user = postgres
pg_port = 5432

cluster_name = demo
cluster_size = 3
auto_failover_enabled = true

http_auth_token = s3cr3t
`

func TestLoadParsesKnownKeys(t *testing.T) {
	path := writeTempConfig(t, validConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.NodeID)
	assert.Equal(t, "n1.local", cfg.Hostname)
	assert.Equal(t, "demo", cfg.Name)
	assert.Equal(t, 3, cfg.Size)
	assert.True(t, cfg.AutoFailoverEnabled)
	assert.Equal(t, "s3cr3t", cfg.AuthToken)
}

func TestLoadIgnoresCommentsAndBlankLines(t *testing.T) {
	path := writeTempConfig(t, "\n# a comment\n\nnode_id = 2\nhostname = h\npg_data = /data\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.NodeID)
}

func TestLoadWarnsOnUnknownKeyButSucceeds(t *testing.T) {
	path := writeTempConfig(t, validConfig+"\nsome_future_key = whatever\n")
	_, err := Load(path)
	require.NoError(t, err)
}

func TestLoadFailsOnMalformedLine(t *testing.T) {
	path := writeTempConfig(t, "this line has no equals sign\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, rerrors.ConfigParse, rerrors.KindOf(err))
}

func TestLoadFailsValidationOnBadPort(t *testing.T) {
	path := writeTempConfig(t, "node_id = 1\nhostname = h\npg_data = /data\npg_port = 99999\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, rerrors.ConfigInvalid, rerrors.KindOf(err))
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := writeTempConfig(t, validConfig)
	t.Setenv("RAMD_NODE_ID", "7")
	t.Setenv("RAMD_CLUSTER_NAME", "override-cluster")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.NodeID)
	assert.Equal(t, "override-cluster", cfg.Name)
}

func TestRoundTripDumpParse(t *testing.T) {
	path := writeTempConfig(t, validConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	dumped := Dump(cfg)
	path2 := writeTempConfig(t, dumped)
	cfg2, err := Load(path2)
	require.NoError(t, err)

	assert.Equal(t, cfg.Identity, cfg2.Identity)
	assert.Equal(t, cfg.Database, cfg2.Database)
	assert.Equal(t, cfg.Cluster, cfg2.Cluster)
	assert.Equal(t, cfg.ControlAPI, cfg2.ControlAPI)
}

func TestValidateReloadForbidsNodeIDChange(t *testing.T) {
	path := writeTempConfig(t, validConfig)
	oldCfg, err := Load(path)
	require.NoError(t, err)

	newCfg := oldCfg
	newCfg.NodeID = 99

	err = ValidateReload(oldCfg, newCfg)
	require.Error(t, err)
}

func TestValidateReloadForbidsHostnameChange(t *testing.T) {
	path := writeTempConfig(t, validConfig)
	oldCfg, err := Load(path)
	require.NoError(t, err)

	newCfg := oldCfg
	newCfg.Hostname = "different.local"

	err = ValidateReload(oldCfg, newCfg)
	require.Error(t, err)
}

func TestCompareDetectsOnlyChangedGroups(t *testing.T) {
	path := writeTempConfig(t, validConfig)
	oldCfg, err := Load(path)
	require.NoError(t, err)

	newCfg := oldCfg
	newCfg.Level = "debug"

	mask := Compare(oldCfg, newCfg)
	assert.True(t, mask.Has(GroupLogging))
	assert.False(t, mask.Has(GroupCluster))
	assert.False(t, mask.Has(GroupDatabase))
}

func TestManagerReloadNoChanges(t *testing.T) {
	path := writeTempConfig(t, validConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	mgr := NewManager(cfg)
	result := mgr.Reload(cfg)
	assert.Equal(t, StatusNoChanges, result.Status)
}

func TestManagerReloadSuccess(t *testing.T) {
	path := writeTempConfig(t, validConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	mgr := NewManager(cfg)
	var gotLevel string
	mgr.OnGroup(GroupLogging, func(oldCfg, newCfg Config) error {
		gotLevel = newCfg.Level
		return nil
	})

	newCfg := cfg
	newCfg.Level = "debug"
	result := mgr.Reload(newCfg)

	assert.Equal(t, StatusSuccess, result.Status)
	assert.True(t, result.AppliedMask.Has(GroupLogging))
	assert.Equal(t, "debug", gotLevel)
	assert.Equal(t, "debug", mgr.Current().Level)
}

func TestManagerReloadPartialStillSwapsLiveConfig(t *testing.T) {
	path := writeTempConfig(t, validConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	mgr := NewManager(cfg)
	mgr.OnGroup(GroupLogging, func(oldCfg, newCfg Config) error { return nil })
	mgr.OnGroup(GroupSyncReplication, func(oldCfg, newCfg Config) error {
		return assertErr("sync handler rejects this value")
	})

	newCfg := cfg
	newCfg.Level = "debug"
	newCfg.Mode = "local"
	newCfg.SyncReplication.Enabled = true

	result := mgr.Reload(newCfg)

	require.Equal(t, StatusPartial, result.Status)
	assert.True(t, result.AppliedMask.Has(GroupLogging))
	assert.False(t, result.AppliedMask.Has(GroupSyncReplication))
	// Atomic swap still happened despite the partial failure.
	assert.Equal(t, "debug", mgr.Current().Level)
	assert.Equal(t, "local", mgr.Current().Mode)
}

func TestValidateReloadDoesNotRejectInvalidSyncModeWholesale(t *testing.T) {
	path := writeTempConfig(t, validConfig)
	oldCfg, err := Load(path)
	require.NoError(t, err)

	newCfg := oldCfg
	newCfg.Mode = "not-a-real-mode"

	// sync_mode is validated per-group by the GroupSyncReplication reload
	// handler, not by the whole-config gate, so this must pass here.
	require.NoError(t, ValidateReload(oldCfg, newCfg))
}

// TestManagerReloadPartialOnInvalidSyncMode exercises the literal scenario
// from spec.md §8 #5: reload changes Logging (valid) and SyncReplication
// (invalid mode string); the result is status=partial, Logging is applied,
// SyncReplication is excluded.
func TestManagerReloadPartialOnInvalidSyncMode(t *testing.T) {
	path := writeTempConfig(t, validConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	mgr := NewManager(cfg)
	mgr.OnGroup(GroupLogging, func(oldCfg, newCfg Config) error { return nil })
	mgr.OnGroup(GroupSyncReplication, func(oldCfg, newCfg Config) error {
		return ValidateSyncMode(newCfg.Mode)
	})

	newCfg := cfg
	newCfg.Level = "debug"
	newCfg.Mode = "not-a-real-mode"
	newCfg.SyncReplication.Enabled = true

	result := mgr.Reload(newCfg)

	require.Equal(t, StatusPartial, result.Status)
	assert.True(t, result.AppliedMask.Has(GroupLogging))
	assert.False(t, result.AppliedMask.Has(GroupSyncReplication))
	assert.Equal(t, "debug", mgr.Current().Level)
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }
