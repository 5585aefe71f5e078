package dbdriver

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pgElephant/ram-sub001/rerrors"
)

// Exec runs sql with no parameters and returns the number of rows affected.
func Exec(ctx context.Context, db *sqlx.DB, sql string) (int64, error) {
	res, err := db.ExecContext(ctx, sql)
	if err != nil {
		return 0, rerrors.New(rerrors.DbQuery, "Exec", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, rerrors.New(rerrors.DbQuery, "Exec", err)
	}
	return n, nil
}

// ExecParams runs sql with server-side-bound positional parameters.
func ExecParams(ctx context.Context, db *sqlx.DB, sql string, args ...any) (int64, error) {
	res, err := db.ExecContext(ctx, sql, args...)
	if err != nil {
		return 0, rerrors.New(rerrors.DbQuery, "ExecParams", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, rerrors.New(rerrors.DbQuery, "ExecParams", err)
	}
	return n, nil
}

func queryString(ctx context.Context, db *sqlx.DB, sql string, args ...any) (string, error) {
	var v string
	if err := db.GetContext(ctx, &v, sql, args...); err != nil {
		return "", rerrors.New(rerrors.DbQuery, "queryString", err)
	}
	return v, nil
}

func queryInt(ctx context.Context, db *sqlx.DB, sql string, args ...any) (int64, error) {
	var v int64
	if err := db.GetContext(ctx, &v, sql, args...); err != nil {
		return 0, rerrors.New(rerrors.DbQuery, "queryInt", err)
	}
	return v, nil
}

func queryBool(ctx context.Context, db *sqlx.DB, sql string, args ...any) (bool, error) {
	var v bool
	if err := db.GetContext(ctx, &v, sql, args...); err != nil {
		return false, rerrors.New(rerrors.DbQuery, "queryBool", err)
	}
	return v, nil
}

// WithTimeout bounds a query-shaped operation to d, satisfying the
// concurrency model's rule that every blocking call takes a
// config-derived timeout.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}
