package dbdriver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgElephant/ram-sub001/rerrors"
)

func TestConnParamsDSNIncludesAllFields(t *testing.T) {
	p := ConnParams{Host: "db1", Port: 5433, Database: "ramd", User: "ram", Password: "secret"}
	dsn := p.dsn()
	assert.Contains(t, dsn, "host=db1")
	assert.Contains(t, dsn, "port=5433")
	assert.Contains(t, dsn, "dbname=ramd")
	assert.Contains(t, dsn, "user=ram")
	assert.Contains(t, dsn, "password=secret")
	assert.Contains(t, dsn, "sslmode=disable")
}

func TestCacheGetReturnsDbConnectOnUnreachableHost(t *testing.T) {
	cache, err := NewCache(4)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err = cache.Get(ctx, ConnParams{NodeID: 1, Host: "127.0.0.1", Port: 1, Database: "x", User: "x", Password: "x"})
	require.Error(t, err)
	assert.Equal(t, rerrors.DbConnect, rerrors.KindOf(err))
}

// fakePgCtl writes a shell script standing in for pg_ctl/pg_basebackup so
// PgCtl/BaseBackup's argument vector can be asserted without a real
// PostgreSQL installation.
func fakePgCtl(t *testing.T, name string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	script := "#!/bin/sh\necho \"$@\" > \"$(dirname \"$0\")/args.txt\"\nexit 0\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return dir
}

func TestPgCtlBuildsExplicitArgvForStart(t *testing.T) {
	bin := fakePgCtl(t, "pg_ctl")
	cfg := ProcessConfig{PGBin: bin, PGData: "/data/pg", PGLog: "/var/log/pg.log"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := PgCtl(ctx, cfg, CtlStart)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(bin, "args.txt"))
	require.NoError(t, err)
	assert.Equal(t, "start -D /data/pg -w -l /var/log/pg.log\n", string(got))
}

func TestPgCtlOmitsLogFlagForNonStartActions(t *testing.T) {
	bin := fakePgCtl(t, "pg_ctl")
	cfg := ProcessConfig{PGBin: bin, PGData: "/data/pg", PGLog: "/var/log/pg.log"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := PgCtl(ctx, cfg, CtlPromote)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(bin, "args.txt"))
	require.NoError(t, err)
	assert.Equal(t, "promote -D /data/pg -w\n", string(got))
}

func TestRunMapsDeadlineExceededToDbTimeout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slow")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nsleep 2\n"), 0755))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := run(ctx, path)
	require.Error(t, err)
	assert.Equal(t, rerrors.DbTimeout, rerrors.KindOf(err))
}

func TestRunMapsNonZeroExitToDbQuery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fails")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 7\n"), 0755))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := run(ctx, path)
	require.Error(t, err)
	assert.Equal(t, rerrors.DbQuery, rerrors.KindOf(err))
	assert.Equal(t, 7, result.ExitCode)
}

func TestEscapeLiteralDoublesSingleQuotes(t *testing.T) {
	assert.Equal(t, "O''Brien", escapeLiteral("O'Brien"))
	assert.Equal(t, "plain", escapeLiteral("plain"))
	assert.Equal(t, "''''", escapeLiteral("''"))
}

func TestQuoteIdentWrapsInDoubleQuotes(t *testing.T) {
	assert.Equal(t, `"synchronous_standby_names"`, quoteIdent("synchronous_standby_names"))
}

func TestBoundedTimeoutDerivesFromMilliseconds(t *testing.T) {
	ctx, cancel := BoundedTimeout(context.Background(), 10)
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.True(t, time.Until(deadline) <= 10*time.Millisecond)
}
