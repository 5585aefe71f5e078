package server

import (
	"fmt"
	"strconv"

	"github.com/pgElephant/ram-sub001/rerrors"
)

var errNodeUnknown = rerrors.New(rerrors.NotFound, "NodeDirectory", nil)

func itoa(n int) string { return strconv.Itoa(n) }

// fmtSscanLSN parses a PostgreSQL LSN of the form "X/Y" (two hex numbers)
// into hi and lo, mirroring the wire format pg_current_wal_lsn() returns.
func fmtSscanLSN(lsn string, hi, lo *uint64) (int, error) {
	return fmt.Sscanf(lsn, "%x/%x", hi, lo)
}
