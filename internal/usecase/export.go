package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/conceptforge/conceptforge/internal/adapter/observability"
	"github.com/conceptforge/conceptforge/internal/domain"
	"github.com/conceptforge/conceptforge/pkg/imgx"
)

// Export size bounds in pixels.
const (
	MinExportSize = 16
	MaxExportSize = 4096
)

// ExportInput identifies an image and the desired output shape. The
// identifier is either a concept id or a raw "bucket/key" blob path.
type ExportInput struct {
	ImageIdentifier string
	TargetFormat    string
	TargetSize      int
}

// Exporter converts stored images for download.
type Exporter struct {
	Concepts *Concepts
	Rates    domain.RateCounter
}

// NewExporter wires an Exporter.
func NewExporter(concepts *Concepts, rates domain.RateCounter) *Exporter {
	return &Exporter{Concepts: concepts, Rates: rates}
}

// Export loads the image, resizes it to the clamped target size and
// re-encodes it into the target format. Returns bytes and content type.
func (e *Exporter) Export(ctx context.Context, userID string, in ExportInput) ([]byte, string, error) {
	tracer := otel.Tracer("usecase.export")
	ctx, span := tracer.Start(ctx, "Export")
	defer span.End()

	switch in.TargetFormat {
	case imgx.FormatPNG, imgx.FormatJPG, "jpeg", imgx.FormatWebP, imgx.FormatSVG:
	default:
		return nil, "", fmt.Errorf("op=export: format %q: %w", in.TargetFormat, domain.ErrInvalidArgument)
	}
	if in.ImageIdentifier == "" {
		return nil, "", fmt.Errorf("op=export: empty image_identifier: %w", domain.ErrInvalidArgument)
	}

	dec, err := e.Rates.CheckAndDecrement(ctx, userID, domain.CategoryExportAction, 1)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("rate counter unavailable, failing open", slog.Any("error", err))
		dec = domain.RateDecision{Allowed: true}
	}
	observability.RateLimitDecision(domain.CategoryExportAction, dec.Allowed)
	if !dec.Allowed {
		return nil, "", fmt.Errorf("op=export: category=%s: %w", domain.CategoryExportAction, domain.ErrRateLimited)
	}

	// Raw blob paths are only readable when the caller's concepts reference
	// them; everything else goes through the concept-id ownership path.
	var data []byte
	if strings.ContainsRune(in.ImageIdentifier, '/') {
		data, err = e.Concepts.LoadImageByPath(ctx, userID, in.ImageIdentifier)
	} else {
		data, err = e.Concepts.LoadImage(ctx, userID, in.ImageIdentifier)
	}
	if err != nil {
		return nil, "", fmt.Errorf("op=export: load image: %w", err)
	}

	size := in.TargetSize
	if size != 0 {
		if size < MinExportSize {
			size = MinExportSize
		}
		if size > MaxExportSize {
			size = MaxExportSize
		}
		data, err = imgx.Resize(data, size)
		if err != nil {
			return nil, "", fmt.Errorf("op=export: %w", err)
		}
	}
	out, contentType, err := imgx.Convert(data, in.TargetFormat)
	if err != nil {
		return nil, "", fmt.Errorf("op=export: %w", err)
	}
	return out, contentType, nil
}
