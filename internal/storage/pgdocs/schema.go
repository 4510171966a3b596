package pgdocs

import (
	"context"

	"github.com/pkg/errors"
)

// orders и errands намеренно имеют одинаковую форму: субъект трекинга
// отличается только коллекцией.
func (s *Storage) initSchema(ctx context.Context) error {
	stmts := make([]string, 0, 4)
	for _, table := range []string{"orders", "errands"} {
		stmts = append(stmts, `
CREATE TABLE IF NOT EXISTS `+table+` (
  id TEXT PRIMARY KEY,
  order_number TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  runner_id TEXT NOT NULL DEFAULT '',
  runner_name TEXT NOT NULL DEFAULT '',
  runner_phone TEXT NOT NULL DEFAULT '',
  runner_avatar TEXT NOT NULL DEFAULT '',
  runner_rating DOUBLE PRECISION NOT NULL DEFAULT 0,
  runner_lat DOUBLE PRECISION NULL,
  runner_lng DOUBLE PRECISION NULL,
  runner_heading DOUBLE PRECISION NULL,
  last_location_update TIMESTAMPTZ NULL,
  store JSONB NULL,
  customer JSONB NULL,
  status_history JSONB NOT NULL DEFAULT '[]',
  tracking JSONB NOT NULL DEFAULT '{}'
)`,
			`CREATE INDEX IF NOT EXISTS idx_`+table+`_updated_at ON `+table+`(updated_at)`,
		)
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
