package config

import (
	"os"
	"strconv"
)

// applyEnv applies the documented RAMD_* overrides plus the upstream
// PG*/PG_NETWORK_RANGE variables, after the file has been parsed.
func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("RAMD_NODE_ID"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NodeID = n
		}
	}
	if v, ok := os.LookupEnv("RAMD_CLUSTER_NAME"); ok {
		cfg.Name = v
	}
	if v, ok := os.LookupEnv("RAMD_PG_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PGPort = n
		}
	}
	if v, ok := os.LookupEnv("RAMD_PG_DATA_DIR"); ok {
		cfg.PGData = v
	}

	if v, ok := os.LookupEnv("PGBIN"); ok {
		cfg.PGBin = v
	}
	if v, ok := os.LookupEnv("PGDATA"); ok {
		cfg.PGData = v
	}
	if v, ok := os.LookupEnv("PGLOG"); ok {
		cfg.PGLog = v
	}
	if v, ok := os.LookupEnv("PGDATABASE"); ok {
		cfg.PGDatabase = v
	}
	if v, ok := os.LookupEnv("PGUSER"); ok {
		cfg.PGUser = v
	}
	if v, ok := os.LookupEnv("PGARCHIVE"); ok {
		cfg.PGArchive = v
	}
	if v, ok := os.LookupEnv("PG_NETWORK_RANGE"); ok {
		cfg.NetworkRange = v
	}
}
