package repository

// CreateTables sets the database up for use. All statements are idempotent:
// durable state must survive restarts, so nothing is ever dropped here.
func (d *Database) CreateTables() error {
	blob := "BLOB"
	if d.dbType == DatabaseTypePostgres {
		blob = "BYTEA"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			model_id TEXT NOT NULL,
			adapter_id TEXT NOT NULL DEFAULT '',
			payload ` + blob + `,
			status TEXT NOT NULL,
			retry_count BIGINT NOT NULL DEFAULT 0,
			max_retries BIGINT NOT NULL,
			claimed_by TEXT NOT NULL DEFAULT '',
			version BIGINT NOT NULL DEFAULT 1,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			result ` + blob + `,
			error TEXT NOT NULL DEFAULT '')`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_kind ON jobs (model_id, adapter_id, status)`,

		`CREATE TABLE IF NOT EXISTS leases (
			lease_id TEXT PRIMARY KEY,
			pool_id TEXT NOT NULL,
			requested_bytes BIGINT NOT NULL,
			granted_bytes BIGINT NOT NULL,
			state TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			ttl_renewed_at BIGINT NOT NULL)`,
		`CREATE INDEX IF NOT EXISTS idx_leases_state ON leases (state)`,
		`CREATE INDEX IF NOT EXISTS idx_leases_pool ON leases (pool_id)`,

		`CREATE TABLE IF NOT EXISTS pools (
			pool_id TEXT PRIMARY KEY,
			model_id TEXT NOT NULL,
			adapter_id TEXT NOT NULL DEFAULT '',
			replica_count BIGINT NOT NULL,
			state TEXT NOT NULL,
			priority BIGINT NOT NULL,
			memory_estimate_bytes BIGINT NOT NULL DEFAULT 0,
			lease_id TEXT NOT NULL DEFAULT '',
			status_message TEXT NOT NULL DEFAULT '',
			last_activity_at BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL)`,
		`CREATE INDEX IF NOT EXISTS idx_pools_state ON pools (state)`,

		`CREATE TABLE IF NOT EXISTS leader_locks (
			lock_name TEXT PRIMARY KEY,
			holder_id TEXT NOT NULL,
			acquired_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL)`,
	}

	for _, stmt := range stmts {
		if _, err := d.exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
