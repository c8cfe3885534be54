package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/conceptforge/conceptforge/internal/adapter/observability"
	"github.com/conceptforge/conceptforge/internal/domain"
)

// ConceptView is a concept with display URLs resolved. When signing fails
// the raw blob path is returned instead; the caller degrades gracefully.
type ConceptView struct {
	Concept  domain.Concept
	ImageURL string
	// Parallel to Concept.Variations.
	VariationURLs []string
}

// Concepts reads and deletes stored concepts on behalf of a user.
type Concepts struct {
	Repo         domain.ConceptRepository
	Blobs        domain.BlobStore
	Rates        domain.RateCounter
	SignedURLTTL time.Duration
}

// NewConcepts wires a Concepts service.
func NewConcepts(repo domain.ConceptRepository, blobs domain.BlobStore, rates domain.RateCounter, signedURLTTL time.Duration) *Concepts {
	return &Concepts{Repo: repo, Blobs: blobs, Rates: rates, SignedURLTTL: signedURLTTL}
}

// Get loads one concept with signed display URLs. Ownership is enforced;
// foreign concepts read as not found.
func (c *Concepts) Get(ctx context.Context, userID, conceptID string) (ConceptView, error) {
	tracer := otel.Tracer("usecase.concepts")
	ctx, span := tracer.Start(ctx, "GetConcept")
	defer span.End()

	if err := c.consume(ctx, userID); err != nil {
		return ConceptView{}, err
	}
	concept, err := c.owned(ctx, userID, conceptID)
	if err != nil {
		return ConceptView{}, err
	}

	view := ConceptView{
		Concept:       concept,
		ImageURL:      c.signOrPath(ctx, concept.ImagePath),
		VariationURLs: make([]string, len(concept.Variations)),
	}
	for i, v := range concept.Variations {
		view.VariationURLs[i] = c.signOrPath(ctx, v.ImagePath)
	}
	return view, nil
}

// List returns the user's concepts, newest first, without variations.
func (c *Concepts) List(ctx context.Context, userID string, limit int) ([]ConceptView, error) {
	tracer := otel.Tracer("usecase.concepts")
	ctx, span := tracer.Start(ctx, "ListConcepts")
	defer span.End()

	if err := c.consume(ctx, userID); err != nil {
		return nil, err
	}
	concepts, err := c.Repo.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ConceptView, len(concepts))
	for i, concept := range concepts {
		out[i] = ConceptView{Concept: concept, ImageURL: c.signOrPath(ctx, concept.ImagePath)}
	}
	return out, nil
}

// Delete removes the concept row (variations cascade) and its blobs
// best-effort.
func (c *Concepts) Delete(ctx context.Context, userID, conceptID string) error {
	tracer := otel.Tracer("usecase.concepts")
	ctx, span := tracer.Start(ctx, "DeleteConcept")
	defer span.End()

	concept, err := c.owned(ctx, userID, conceptID)
	if err != nil {
		return err
	}
	if err := c.Repo.Delete(ctx, conceptID); err != nil {
		return err
	}
	lg := observability.LoggerFromContext(ctx)
	for _, path := range blobPaths(concept) {
		if err := c.Blobs.Delete(ctx, path); err != nil {
			lg.Warn("concept blob delete failed", slog.String("path", path), slog.Any("error", err))
		}
	}
	lg.Info("concept deleted", slog.String("concept_id", conceptID))
	return nil
}

// LoadImage resolves a concept's base image bytes for the export flow.
func (c *Concepts) LoadImage(ctx context.Context, userID, conceptID string) ([]byte, error) {
	concept, err := c.owned(ctx, userID, conceptID)
	if err != nil {
		return nil, err
	}
	return c.Blobs.Get(ctx, concept.ImagePath)
}

// LoadImageByPath resolves a raw blob path for the export flow, restricted
// to paths the user's own concepts reference. Foreign paths read as not
// found so the identifier space cannot be probed.
func (c *Concepts) LoadImageByPath(ctx context.Context, userID, path string) ([]byte, error) {
	owns, err := c.Repo.OwnsImagePath(ctx, userID, path)
	if err != nil {
		return nil, fmt.Errorf("op=concepts.load_path: %w", err)
	}
	if !owns {
		return nil, fmt.Errorf("op=concepts.load_path: %w", domain.ErrNotFound)
	}
	return c.Blobs.Get(ctx, path)
}

func (c *Concepts) owned(ctx context.Context, userID, conceptID string) (domain.Concept, error) {
	concept, err := c.Repo.Get(ctx, conceptID)
	if err != nil {
		return domain.Concept{}, err
	}
	if concept.UserID != userID {
		return domain.Concept{}, fmt.Errorf("op=concepts.owned: %w", domain.ErrNotFound)
	}
	return concept, nil
}

// consume charges the read category, failing open on counter errors.
func (c *Concepts) consume(ctx context.Context, userID string) error {
	dec, err := c.Rates.CheckAndDecrement(ctx, userID, domain.CategoryGetConcepts, 1)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("rate counter unavailable, failing open", slog.Any("error", err))
		return nil
	}
	observability.RateLimitDecision(domain.CategoryGetConcepts, dec.Allowed)
	if !dec.Allowed {
		return fmt.Errorf("op=concepts: category=%s: %w", domain.CategoryGetConcepts, domain.ErrRateLimited)
	}
	return nil
}

func (c *Concepts) signOrPath(ctx context.Context, path string) string {
	u, err := c.Blobs.SignedURL(ctx, path, c.SignedURLTTL)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("signed url failed, returning raw path",
			slog.String("path", path), slog.Any("error", err))
		return path
	}
	return u
}

func blobPaths(c domain.Concept) []string {
	seen := map[string]bool{}
	var out []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	add(c.ImagePath)
	for _, v := range c.Variations {
		add(v.ImagePath)
	}
	return out
}
