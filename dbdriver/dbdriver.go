// Package dbdriver implements ramd's DB Driver Facade: a connection cache
// keyed by node_id, sqlx-based query helpers, and bounded subprocess
// control over pg_ctl/pg_basebackup.
package dbdriver

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/pgElephant/ram-sub001/rerrors"
)

// ConnParams identifies one node's database endpoint.
type ConnParams struct {
	NodeID   int
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

func (p ConnParams) dsn() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable connect_timeout=5",
		p.Host, p.Port, p.Database, p.User, p.Password)
}

// Cache is the thread-safe, bounded connection cache described in §4.C.
// Lookup/insert hold the cache's own lock only for the map operation
// itself; connection dialing and query execution never happen under it.
type Cache struct {
	lru *lru.Cache[int, *sqlx.DB]
}

// NewCache builds a Cache bounded to size entries. Eviction closes the
// evicted handle so P6 holds: Get never returns a handle whose status is
// broken, because broken/evicted handles are closed, never returned.
func NewCache(size int) (*Cache, error) {
	l, err := lru.NewWithEvict[int, *sqlx.DB](size, func(_ int, db *sqlx.DB) {
		if db != nil {
			db.Close()
		}
	})
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l}, nil
}

// Get returns a live handle for params.NodeID, reconnecting if the cached
// handle is missing or reports a broken status via Ping.
func (c *Cache) Get(ctx context.Context, params ConnParams) (*sqlx.DB, error) {
	if db, ok := c.lru.Get(params.NodeID); ok {
		if err := db.PingContext(ctx); err == nil {
			return db, nil
		}
		c.lru.Remove(params.NodeID)
	}

	db, err := sqlx.Open("pgx", params.dsn())
	if err != nil {
		return nil, rerrors.New(rerrors.DbConnect, "Cache.Get", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, rerrors.New(rerrors.DbConnect, "Cache.Get", err)
	}

	c.lru.Add(params.NodeID, db)
	return db, nil
}

// Evict closes and forgets the handle for nodeID, if cached. Called on
// node removal.
func (c *Cache) Evict(nodeID int) {
	c.lru.Remove(nodeID)
}

// CloseAll closes every cached handle, for daemon shutdown.
func (c *Cache) CloseAll() {
	for _, key := range c.lru.Keys() {
		c.lru.Remove(key)
	}
}
