package migrations

func init() {
	Register(Migration{
		Timestamp:   "20260301-000000",
		Description: "Initial schema",
		Up: []string{
			// Teams - local accounts mode only. In remote mode this table
			// is unused and team state comes from the accounts RPC.
			`CREATE TABLE IF NOT EXISTS teams (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				plan TEXT NOT NULL DEFAULT 'free',
				subscription_id TEXT,
				stripe_customer_id TEXT,
				credits_remaining INTEGER NOT NULL DEFAULT 0,
				tokens_remaining INTEGER NOT NULL DEFAULT 0,
				rate_limits_json TEXT,
				concurrency_max INTEGER NOT NULL DEFAULT 0,
				allow_zdr INTEGER NOT NULL DEFAULT 0,
				force_zdr INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL
			)`,

			// API keys - credential to team mapping
			`CREATE TABLE IF NOT EXISTS api_keys (
				id TEXT PRIMARY KEY,
				team_id TEXT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
				key_hash TEXT UNIQUE NOT NULL,
				key_prefix TEXT NOT NULL,
				is_extract INTEGER NOT NULL DEFAULT 0,
				last_used_at TEXT,
				created_at TEXT NOT NULL,
				revoked_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_api_keys_key_hash ON api_keys(key_hash)`,
			`CREATE INDEX IF NOT EXISTS idx_api_keys_team_id ON api_keys(team_id)`,

			// Jobs - the scrape queue. Claiming flips state to active and
			// stamps lease_until; the reaper requeues expired leases.
			`CREATE TABLE IF NOT EXISTS jobs (
				id TEXT PRIMARY KEY,
				team_id TEXT NOT NULL,
				url TEXT NOT NULL,
				mode TEXT NOT NULL DEFAULT 'single',
				crawl_id TEXT,
				options_json TEXT NOT NULL,
				priority INTEGER NOT NULL DEFAULT 0,
				attempts INTEGER NOT NULL DEFAULT 0,
				state TEXT NOT NULL DEFAULT 'queued',
				zdr INTEGER NOT NULL DEFAULT 0,
				depth INTEGER NOT NULL DEFAULT 0,
				run_at TEXT NOT NULL,
				lease_until TEXT,
				result_json TEXT,
				error_code TEXT,
				error_message TEXT,
				created_at TEXT NOT NULL,
				completed_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(state, priority, run_at)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_crawl_id ON jobs(crawl_id)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_team_id ON jobs(team_id)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(state, lease_until)`,

			// Crawls - orchestration record for crawl and batch-scrape.
			// Counter updates go through a compare-and-set on version.
			`CREATE TABLE IF NOT EXISTS crawls (
				id TEXT PRIMARY KEY,
				team_id TEXT NOT NULL,
				kind TEXT NOT NULL DEFAULT 'crawl',
				seed_url TEXT NOT NULL,
				options_json TEXT NOT NULL,
				state TEXT NOT NULL DEFAULT 'scraping',
				discovered INTEGER NOT NULL DEFAULT 0,
				completed INTEGER NOT NULL DEFAULT 0,
				failed INTEGER NOT NULL DEFAULT 0,
				errors_json TEXT,
				robots_blocked_json TEXT,
				zdr INTEGER NOT NULL DEFAULT 0,
				version INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				completed_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_crawls_team_id ON crawls(team_id)`,
			`CREATE INDEX IF NOT EXISTS idx_crawls_state ON crawls(state)`,

			// Crawl frontier dedup - normalized URLs already admitted for a
			// crawl, so re-discovered links are dropped exactly once.
			`CREATE TABLE IF NOT EXISTS crawl_seen (
				crawl_id TEXT NOT NULL,
				normalized_url TEXT NOT NULL,
				PRIMARY KEY (crawl_id, normalized_url)
			)`,

			// Result index - fingerprinted scrape results for cache reads.
			`CREATE TABLE IF NOT EXISTS index_entries (
				normalized_url TEXT NOT NULL,
				fingerprint TEXT NOT NULL,
				change_tag TEXT NOT NULL DEFAULT '',
				doc_json TEXT NOT NULL,
				status_code INTEGER NOT NULL,
				created_at TEXT NOT NULL,
				PRIMARY KEY (normalized_url, fingerprint, change_tag)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_index_entries_created_at ON index_entries(created_at)`,

			// Job logs - durable audit trail. Payload columns are NULL for
			// ZDR jobs; dr_clean_by drives the retention sweep.
			`CREATE TABLE IF NOT EXISTS job_logs (
				job_id TEXT PRIMARY KEY,
				team_id TEXT NOT NULL,
				crawl_id TEXT,
				url TEXT,
				docs TEXT,
				page_options TEXT,
				crawler_options TEXT,
				success INTEGER NOT NULL DEFAULT 0,
				message TEXT,
				num_docs INTEGER NOT NULL DEFAULT 0,
				time_taken_ms INTEGER NOT NULL DEFAULT 0,
				tokens_billed INTEGER NOT NULL DEFAULT 0,
				zdr INTEGER NOT NULL DEFAULT 0,
				request_zdr INTEGER NOT NULL DEFAULT 0,
				dr_clean_by TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_job_logs_team_id ON job_logs(team_id)`,
			`CREATE INDEX IF NOT EXISTS idx_job_logs_dr_clean_by ON job_logs(dr_clean_by)`,
			`CREATE INDEX IF NOT EXISTS idx_job_logs_created_at ON job_logs(created_at)`,
		},
	})
}
