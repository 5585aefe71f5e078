package dbdriver

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// IsInRecovery reports pg_is_in_recovery().
func IsInRecovery(ctx context.Context, db *sqlx.DB) (bool, error) {
	return queryBool(ctx, db, "SELECT pg_is_in_recovery()")
}

// AcceptsConnections reports whether a trivial query succeeds, i.e. the
// server is not refusing connections (startup, recovery-in-progress with
// hot_standby off, etc).
func AcceptsConnections(ctx context.Context, db *sqlx.DB) bool {
	var one int
	err := db.GetContext(ctx, &one, "SELECT 1")
	return err == nil && one == 1
}

// CurrentWALPosition returns the primary's current WAL LSN as text, or the
// standby's last-replay LSN when in recovery.
func CurrentWALPosition(ctx context.Context, db *sqlx.DB) (string, error) {
	inRecovery, err := IsInRecovery(ctx, db)
	if err != nil {
		return "", err
	}
	if inRecovery {
		return queryString(ctx, db, "SELECT COALESCE(pg_last_wal_replay_lsn()::text, '0/0')")
	}
	return queryString(ctx, db, "SELECT pg_current_wal_lsn()::text")
}

// ReplicationLagSeconds returns lag behind the primary in seconds, 0 on a
// primary.
func ReplicationLagSeconds(ctx context.Context, db *sqlx.DB) (float64, error) {
	inRecovery, err := IsInRecovery(ctx, db)
	if err != nil {
		return 0, err
	}
	if !inRecovery {
		return 0, nil
	}
	var lag float64
	err = db.GetContext(ctx, &lag, `
		SELECT COALESCE(EXTRACT(EPOCH FROM (now() - pg_last_xact_replay_timestamp())), 0)`)
	if err != nil {
		return 0, err
	}
	return lag, nil
}

// ActiveSessionsCount returns the number of non-idle client backends,
// excluding this monitoring connection itself.
func ActiveSessionsCount(ctx context.Context, db *sqlx.DB) (int64, error) {
	return queryInt(ctx, db, `
		SELECT count(*) FROM pg_stat_activity
		WHERE pid <> pg_backend_pid() AND backend_type = 'client backend'
		AND state IS DISTINCT FROM 'idle'`)
}

// ReloadConfig issues pg_reload_conf().
func ReloadConfig(ctx context.Context, db *sqlx.DB) error {
	_, err := Exec(ctx, db, "SELECT pg_reload_conf()")
	return err
}

// AlterSystemSet issues ALTER SYSTEM SET key = value. value is quoted as a
// SQL string literal; callers pass already-validated parameter values, not
// user-supplied SQL.
func AlterSystemSet(ctx context.Context, db *sqlx.DB, key, value string) error {
	// ALTER SYSTEM does not accept bind parameters for the name or value.
	_, err := Exec(ctx, db, "ALTER SYSTEM SET "+quoteIdent(key)+" = '"+escapeLiteral(value)+"'")
	return err
}

func quoteIdent(s string) string {
	return `"` + s + `"`
}

func escapeLiteral(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
