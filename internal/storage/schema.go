package storage

import "github.com/evetools/tagd/internal/migrate"

// Schema migrations for the tag actor store. Applied SQL is frozen: never
// edit an existing entry, append a new version instead.
const (
	// schemaV1 creates the business tables
	schemaV1 = `
CREATE TABLE IF NOT EXISTS tags (
	tag_urn TEXT PRIMARY KEY,
	tag_type TEXT NOT NULL,
	display_name TEXT NOT NULL,
	eve_id INTEGER NOT NULL,
	metadata TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS user_tags (
	assignment_id TEXT PRIMARY KEY,
	root_subject_id TEXT NOT NULL,
	tag_urn TEXT NOT NULL,
	source_id INTEGER NOT NULL,
	assigned_at INTEGER NOT NULL,
	last_verified_at INTEGER NOT NULL,
	UNIQUE(root_subject_id, tag_urn, source_id)
);

CREATE TABLE IF NOT EXISTS evaluation_schedule (
	subject_id TEXT PRIMARY KEY,
	next_evaluation_at INTEGER NOT NULL,
	last_evaluated_at INTEGER
);
`

	// schemaV2 adds the lookup indexes the reconciler and scheduler lean on
	schemaV2 = `
CREATE INDEX IF NOT EXISTS idx_user_tags_subject ON user_tags(root_subject_id);
CREATE INDEX IF NOT EXISTS idx_user_tags_tag ON user_tags(tag_urn);
CREATE INDEX IF NOT EXISTS idx_user_tags_source ON user_tags(source_id);
CREATE INDEX IF NOT EXISTS idx_schedule_next ON evaluation_schedule(next_evaluation_at);
`
)

// Migrations returns the ordered migration set for a tag actor store
func Migrations() []migrate.Migration {
	return []migrate.Migration{
		{Version: 1, Name: "create_core_tables", SQL: schemaV1},
		{Version: 2, Name: "create_indexes", SQL: schemaV2},
	}
}
