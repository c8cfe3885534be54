package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conceptforge/conceptforge/internal/config"
)

// EnsureSchema creates the environment-suffixed tables, indexes, and the
// task change-notification trigger. Idempotent; run at process start.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, t config.TableNames) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id uuid PRIMARY KEY,
			user_id uuid NOT NULL,
			type text NOT NULL,
			status text NOT NULL,
			result_id uuid NULL,
			error_message text NULL,
			metadata jsonb NOT NULL DEFAULT '{}'::jsonb,
			is_cancelled boolean NOT NULL DEFAULT false,
			created_at timestamptz NOT NULL,
			updated_at timestamptz NOT NULL
		)`, t.Tasks),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_user_status_type_idx ON %s (user_id, status, type)`, t.Tasks, t.Tasks),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_updated_idx ON %s (status, updated_at)`, t.Tasks, t.Tasks),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id uuid PRIMARY KEY,
			user_id uuid NOT NULL,
			logo_description text NOT NULL,
			theme_description text NOT NULL,
			image_path text NOT NULL,
			created_at timestamptz NOT NULL
		)`, t.Concepts),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_user_created_idx ON %s (user_id, created_at DESC)`, t.Concepts, t.Concepts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id uuid PRIMARY KEY,
			concept_id uuid NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
			palette_name text NOT NULL,
			colors text[] NOT NULL,
			image_path text NOT NULL,
			created_at timestamptz NOT NULL
		)`, t.Variations, t.Concepts),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_concept_idx ON %s (concept_id)`, t.Variations, t.Variations),
		// Row-change feed: every task UPDATE notifies the env-scoped channel
		// with the old and new status so the status channel can fan out
		// without polling.
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s_notify() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify('%s_changed', json_build_object(
				'task_id', NEW.id,
				'old_status', OLD.status,
				'new_status', NEW.status,
				'result_id', COALESCE(NEW.result_id::text, ''),
				'error_message', COALESCE(NEW.error_message, '')
			)::text);
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`, t.Tasks, t.Tasks),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s_notify_trg ON %s`, t.Tasks, t.Tasks),
		fmt.Sprintf(`CREATE TRIGGER %s_notify_trg AFTER UPDATE ON %s
			FOR EACH ROW EXECUTE FUNCTION %s_notify()`, t.Tasks, t.Tasks, t.Tasks),
	}
	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("op=schema.ensure: %w", err)
		}
	}
	return nil
}
