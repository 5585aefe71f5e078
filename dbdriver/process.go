package dbdriver

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"time"

	"github.com/pgElephant/ram-sub001/rerrors"
)

// ProcessConfig is the config snapshot process control needs, kept
// independent of the config package so this facade stays stateless per
// call, as §4.C requires.
type ProcessConfig struct {
	PGBin  string
	PGData string
	PGLog  string
}

// CtlAction is one of the pg_ctl subcommands the facade exposes.
type CtlAction string

const (
	CtlStart   CtlAction = "start"
	CtlStop    CtlAction = "stop"
	CtlRestart CtlAction = "restart"
	CtlPromote CtlAction = "promote"
	CtlReload  CtlAction = "reload"
)

// ProcessResult captures a subprocess's outcome for logging and error
// reporting; stdout/stderr are captured explicitly rather than inherited,
// per the design note replacing the teacher's system() calls.
type ProcessResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// PgCtl runs "pg_ctl <action> -D <pgdata> -w", with "-l <pglog>" appended
// for start when PGLog is set, using an explicit argument vector (no shell
// interpolation), bounded by ctx's deadline.
func PgCtl(ctx context.Context, cfg ProcessConfig, action CtlAction) (ProcessResult, error) {
	args := []string{string(action), "-D", cfg.PGData, "-w"}
	if cfg.PGLog != "" && action == CtlStart {
		args = append(args, "-l", cfg.PGLog)
	}
	return run(ctx, cfg.PGBin+"/pg_ctl", args...)
}

// BaseBackup runs "pg_basebackup" against a source host/port, writing into
// targetDir, with an explicit argument vector.
func BaseBackup(ctx context.Context, cfg ProcessConfig, sourceHost string, sourcePort int, targetDir, user string) (ProcessResult, error) {
	args := []string{
		"-h", sourceHost,
		"-p", strconv.Itoa(sourcePort),
		"-U", user,
		"-D", targetDir,
		"-X", "stream",
		"-P",
	}
	return run(ctx, cfg.PGBin+"/pg_basebackup", args...)
}

func run(ctx context.Context, path string, args ...string) (ProcessResult, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := ProcessResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	if ctx.Err() == context.DeadlineExceeded {
		return result, rerrors.New(rerrors.DbTimeout, "run", ctx.Err())
	}
	if err != nil {
		return result, rerrors.New(rerrors.DbQuery, "run", err)
	}
	return result, nil
}

// BoundedTimeout is a small helper so callers derive a context.Context
// directly from a millisecond config field without repeating the
// time.Duration conversion everywhere.
func BoundedTimeout(parent context.Context, ms int) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, time.Duration(ms)*time.Millisecond)
}
