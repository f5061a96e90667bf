package storage

import (
	"context"
	"fmt"
	"strings"
)

// schema works on both postgres and sqlite. Timestamps are written by the application in UTC.
const schema = `
CREATE TABLE IF NOT EXISTS conversion_jobs (
	id                VARCHAR(36) PRIMARY KEY,
	original_filename TEXT        NOT NULL,
	source_format     VARCHAR(16) NOT NULL,
	target_format     VARCHAR(16) NOT NULL,
	category          VARCHAR(16) NOT NULL,
	size_bytes        BIGINT      NOT NULL DEFAULT 0,
	status            VARCHAR(16) NOT NULL,
	input_location    TEXT        NOT NULL,
	output_location   TEXT,
	error_detail      TEXT,
	degraded          BOOLEAN     NOT NULL DEFAULT FALSE,
	strategy          VARCHAR(32),
	download_count    BIGINT      NOT NULL DEFAULT 0,
	retry_of          VARCHAR(36),
	created_at        TIMESTAMP   NOT NULL,
	updated_at        TIMESTAMP   NOT NULL,
	started_at        TIMESTAMP,
	heartbeat_at      TIMESTAMP,
	completed_at      TIMESTAMP,
	purged_at         TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_conversion_jobs_status ON conversion_jobs (status, heartbeat_at);
CREATE INDEX IF NOT EXISTS idx_conversion_jobs_created ON conversion_jobs (created_at, id);
`

// Migrate creates the jobs table and its indexes when missing
func (s *Storage) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.client.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return nil
}
