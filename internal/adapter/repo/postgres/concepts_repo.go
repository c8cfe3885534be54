package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/conceptforge/conceptforge/internal/config"
	"github.com/conceptforge/conceptforge/internal/domain"
)

// PgxPool is the minimal pool surface the repositories need. Satisfied by
// *pgxpool.Pool and by test fakes.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// ConceptRepo persists concepts and their color variations.
type ConceptRepo struct {
	Pool     PgxPool
	concepts string
	vars     string
}

// NewConceptRepo constructs a ConceptRepo bound to the env-suffixed tables.
func NewConceptRepo(p PgxPool, t config.TableNames) *ConceptRepo {
	return &ConceptRepo{Pool: p, concepts: t.Concepts, vars: t.Variations}
}

// CreateWithVariations inserts the concept and all its variations in one
// transaction. Readers therefore never observe a concept without its
// variations.
func (r *ConceptRepo) CreateWithVariations(ctx context.Context, c domain.Concept, vars []domain.Variation) (string, error) {
	tracer := otel.Tracer("repo.concepts")
	ctx, span := tracer.Start(ctx, "concepts.CreateWithVariations")
	defer span.End()

	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("op=concept.create: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := fmt.Sprintf(`INSERT INTO %s (id, user_id, logo_description, theme_description, image_path, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`, r.concepts)
	if _, err := tx.Exec(ctx, q, id, c.UserID, c.LogoDescription, c.ThemeDescription, c.ImagePath, now); err != nil {
		return "", fmt.Errorf("op=concept.create: %w", err)
	}

	vq := fmt.Sprintf(`INSERT INTO %s (id, concept_id, palette_name, colors, image_path, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`, r.vars)
	for _, v := range vars {
		vid := v.ID
		if vid == "" {
			vid = uuid.New().String()
		}
		if _, err := tx.Exec(ctx, vq, vid, id, v.PaletteName, v.Colors, v.ImagePath, now); err != nil {
			return "", fmt.Errorf("op=concept.create: variation %q: %w", v.PaletteName, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("op=concept.create: commit: %w", err)
	}
	return id, nil
}

// Get loads a concept with its variations ordered by palette name, the
// "Original" palette first.
func (r *ConceptRepo) Get(ctx context.Context, id string) (domain.Concept, error) {
	tracer := otel.Tracer("repo.concepts")
	ctx, span := tracer.Start(ctx, "concepts.Get")
	defer span.End()

	q := fmt.Sprintf(`SELECT id, user_id, logo_description, theme_description, image_path, created_at FROM %s WHERE id=$1`, r.concepts)
	var c domain.Concept
	err := r.Pool.QueryRow(ctx, q, id).Scan(&c.ID, &c.UserID, &c.LogoDescription, &c.ThemeDescription, &c.ImagePath, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Concept{}, fmt.Errorf("op=concept.get: %w", domain.ErrNotFound)
		}
		return domain.Concept{}, fmt.Errorf("op=concept.get: %w", err)
	}

	vq := fmt.Sprintf(`SELECT id, concept_id, palette_name, colors, image_path, created_at FROM %s
		WHERE concept_id=$1 ORDER BY (palette_name='Original') DESC, created_at, palette_name`, r.vars)
	rows, err := r.Pool.Query(ctx, vq, id)
	if err != nil {
		return domain.Concept{}, fmt.Errorf("op=concept.get: variations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v domain.Variation
		if err := rows.Scan(&v.ID, &v.ConceptID, &v.PaletteName, &v.Colors, &v.ImagePath, &v.CreatedAt); err != nil {
			return domain.Concept{}, fmt.Errorf("op=concept.get: scan variation: %w", err)
		}
		c.Variations = append(c.Variations, v)
	}
	return c, rows.Err()
}

// ListByUser returns the user's concepts, newest first, without variations.
func (r *ConceptRepo) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Concept, error) {
	tracer := otel.Tracer("repo.concepts")
	ctx, span := tracer.Start(ctx, "concepts.ListByUser")
	defer span.End()
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	q := fmt.Sprintf(`SELECT id, user_id, logo_description, theme_description, image_path, created_at FROM %s
		WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`, r.concepts)
	rows, err := r.Pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=concept.list: %w", err)
	}
	defer rows.Close()
	return collectConcepts(rows)
}

// Delete removes the concept; variations cascade at the database level.
func (r *ConceptRepo) Delete(ctx context.Context, id string) error {
	tracer := otel.Tracer("repo.concepts")
	ctx, span := tracer.Start(ctx, "concepts.Delete")
	defer span.End()
	q := fmt.Sprintf(`DELETE FROM %s WHERE id=$1`, r.concepts)
	tag, err := r.Pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("op=concept.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=concept.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// OwnsImagePath reports whether the blob path belongs to one of the user's
// concepts or variations. Gates raw-path reads like export.
func (r *ConceptRepo) OwnsImagePath(ctx context.Context, userID, path string) (bool, error) {
	tracer := otel.Tracer("repo.concepts")
	ctx, span := tracer.Start(ctx, "concepts.OwnsImagePath")
	defer span.End()
	q := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE user_id=$1 AND image_path=$2)
		OR EXISTS (SELECT 1 FROM %s v JOIN %s c ON c.id=v.concept_id WHERE c.user_id=$1 AND v.image_path=$2)`,
		r.concepts, r.vars, r.concepts)
	var owns bool
	if err := r.Pool.QueryRow(ctx, q, userID, path).Scan(&owns); err != nil {
		return false, fmt.Errorf("op=concept.owns_path: %w", err)
	}
	return owns, nil
}

// ListOlderThan returns concepts created before the cutoff, including their
// variations so the caller can delete blobs. Used by the retention sweep.
func (r *ConceptRepo) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.Concept, error) {
	tracer := otel.Tracer("repo.concepts")
	ctx, span := tracer.Start(ctx, "concepts.ListOlderThan")
	defer span.End()
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf(`SELECT id, user_id, logo_description, theme_description, image_path, created_at FROM %s
		WHERE created_at < $1 ORDER BY created_at LIMIT $2`, r.concepts)
	rows, err := r.Pool.Query(ctx, q, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("op=concept.list_older: %w", err)
	}
	concepts, err := collectConcepts(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	vq := fmt.Sprintf(`SELECT id, concept_id, palette_name, colors, image_path, created_at FROM %s WHERE concept_id=$1`, r.vars)
	for i := range concepts {
		vrows, err := r.Pool.Query(ctx, vq, concepts[i].ID)
		if err != nil {
			return nil, fmt.Errorf("op=concept.list_older: variations: %w", err)
		}
		for vrows.Next() {
			var v domain.Variation
			if err := vrows.Scan(&v.ID, &v.ConceptID, &v.PaletteName, &v.Colors, &v.ImagePath, &v.CreatedAt); err != nil {
				vrows.Close()
				return nil, fmt.Errorf("op=concept.list_older: scan: %w", err)
			}
			concepts[i].Variations = append(concepts[i].Variations, v)
		}
		vrows.Close()
	}
	return concepts, nil
}

func collectConcepts(rows pgx.Rows) ([]domain.Concept, error) {
	var out []domain.Concept
	for rows.Next() {
		var c domain.Concept
		if err := rows.Scan(&c.ID, &c.UserID, &c.LogoDescription, &c.ThemeDescription, &c.ImagePath, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=concept.scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
