package store

// migrations lists the DDL for each schema version; migrations[n] upgrades the database to version n+1. Statements are
// intentionally written without IF NOT EXISTS: the runner tolerates "already exists" / "duplicate column" failures so a
// partially-applied database converges on re-run.
var migrations = [][]string{
	// Version 1: full initial schema.
	{
		`CREATE TABLE server_links (
			source_guild_id TEXT PRIMARY KEY,
			target_server_id TEXT NOT NULL UNIQUE,
			linked_by TEXT NOT NULL,
			linked_by_target_user TEXT,
			method TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE channel_links (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_channel_id TEXT NOT NULL UNIQUE,
			target_channel_id TEXT NOT NULL UNIQUE,
			webhook_id TEXT,
			webhook_token TEXT,
			active INTEGER NOT NULL DEFAULT 1,
			last_bridged_source_id TEXT,
			last_bridged_target_id TEXT,
			last_bridged_at INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE role_links (
			source_role_id TEXT PRIMARY KEY,
			target_role_id TEXT NOT NULL,
			source_guild_id TEXT NOT NULL
		)`,
		`CREATE TABLE bridge_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_message_id TEXT NOT NULL,
			target_message_id TEXT NOT NULL,
			source_channel_id TEXT NOT NULL,
			target_channel_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX idx_bridge_messages_source ON bridge_messages(source_message_id)`,
		`CREATE UNIQUE INDEX idx_bridge_messages_target ON bridge_messages(target_message_id)`,
		`CREATE TABLE claim_codes (
			code TEXT PRIMARY KEY,
			target_server_id TEXT NOT NULL,
			created_by TEXT NOT NULL,
			created_in TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			used_by_guild TEXT,
			used_by_user TEXT,
			used_at INTEGER
		)`,
		`CREATE TABLE migration_requests (
			id TEXT PRIMARY KEY,
			source_guild_id TEXT NOT NULL,
			source_guild_name TEXT NOT NULL,
			source_user_id TEXT NOT NULL,
			source_user_name TEXT NOT NULL,
			target_server_id TEXT NOT NULL,
			target_channel_id TEXT NOT NULL,
			target_message_id TEXT,
			status TEXT NOT NULL,
			approved_by TEXT,
			created_at INTEGER NOT NULL,
			resolved_at INTEGER,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX idx_migration_requests_message ON migration_requests(target_message_id)`,
		`CREATE TABLE archive_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			guild_id TEXT NOT NULL,
			source_channel_id TEXT NOT NULL,
			source_channel_name TEXT NOT NULL,
			target_channel_id TEXT,
			direction TEXT NOT NULL,
			status TEXT NOT NULL,
			total_messages INTEGER NOT NULL DEFAULT 0,
			processed_messages INTEGER NOT NULL DEFAULT 0,
			last_message_id TEXT,
			started_at INTEGER,
			completed_at INTEGER,
			error TEXT
		)`,
		`CREATE TABLE archive_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id INTEGER NOT NULL REFERENCES archive_jobs(id) ON DELETE CASCADE,
			source_message_id TEXT NOT NULL,
			author_id TEXT NOT NULL,
			author_name TEXT NOT NULL,
			author_avatar TEXT,
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			edited_timestamp INTEGER,
			reply_to_id TEXT,
			attachments TEXT NOT NULL DEFAULT '[]',
			embeds TEXT NOT NULL DEFAULT '[]',
			target_message_id TEXT,
			imported_at INTEGER
		)`,
		`CREATE UNIQUE INDEX idx_archive_messages_job_source ON archive_messages(job_id, source_message_id)`,
		`CREATE TABLE push_devices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			target_user_id TEXT NOT NULL,
			device_id TEXT NOT NULL UNIQUE,
			transport TEXT NOT NULL,
			fcm_token TEXT,
			endpoint TEXT,
			p256dh TEXT,
			auth TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX idx_push_devices_user ON push_devices(target_user_id)`,
	},
	// Version 2: index for pair pruning, which scans by age.
	{
		`CREATE INDEX idx_bridge_messages_created ON bridge_messages(created_at)`,
	},
}
