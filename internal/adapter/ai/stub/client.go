// Package stub provides a deterministic in-process image provider for
// development and tests. Same prompts always yield the same palettes and
// image bytes, so flows are reproducible without a live provider.
package stub

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"

	"github.com/conceptforge/conceptforge/internal/domain"
)

// Client implements domain.ImageProvider deterministically.
type Client struct{}

// New constructs a stub provider.
func New() *Client { return &Client{} }

var paletteNames = []string{
	"Forest", "Ocean", "Sunset", "Ember", "Meadow",
	"Dusk", "Cream", "Slate", "Coral", "Midnight",
}

// SuggestPalettes derives n named palettes from a hash of the prompts.
func (c *Client) SuggestPalettes(_ context.Context, logoDesc, themeDesc string, n int) ([]domain.Palette, error) {
	if n <= 0 {
		return nil, fmt.Errorf("op=stub.suggest_palettes: n=%d: %w", n, domain.ErrInvalidArgument)
	}
	seed := hash(logoDesc + "\x00" + themeDesc)
	out := make([]domain.Palette, 0, n)
	for i := 0; i < n; i++ {
		colors := make([]string, domain.PaletteSize)
		for j := range colors {
			v := seed + uint64(i)*7919 + uint64(j)*104729
			colors[j] = fmt.Sprintf("#%06X", v%0xFFFFFF)
		}
		out = append(out, domain.Palette{
			Name:   paletteNames[i%len(paletteNames)],
			Colors: colors,
		})
	}
	return out, nil
}

// Generate renders a small PNG whose pixels derive from the prompts and
// palette, so distinct requests produce distinct but stable bytes.
func (c *Client) Generate(_ context.Context, req domain.GenerateRequest) ([]byte, error) {
	if req.LogoDescription == "" {
		return nil, fmt.Errorf("op=stub.generate: empty logo description: %w", domain.ErrProviderRejected)
	}
	seed := hash(req.LogoDescription + "\x00" + req.ThemeDescription)
	for _, col := range req.PaletteColors {
		seed ^= hash(col)
	}
	return renderPNG(seed)
}

// Refine perturbs the base image hash with the instructions.
func (c *Client) Refine(_ context.Context, req domain.RefineRequest) ([]byte, error) {
	if len(req.BaseImage) == 0 {
		return nil, fmt.Errorf("op=stub.refine: empty base image: %w", domain.ErrProviderRejected)
	}
	h := fnv.New64a()
	_, _ = h.Write(req.BaseImage)
	seed := h.Sum64() ^ hash(req.Instructions)
	for _, a := range req.PreserveAspects {
		seed ^= hash(a)
	}
	return renderPNG(seed)
}

func hash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func renderPNG(seed uint64) ([]byte, error) {
	const side = 64
	img := image.NewRGBA(image.Rect(0, 0, side, side))
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			v := seed + uint64(x)*31 + uint64(y)*131
			img.Set(x, y, color.RGBA{
				R: uint8(v),
				G: uint8(v >> 8),
				B: uint8(v >> 16),
				A: 0xFF,
			})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("op=stub.render: %w", err)
	}
	return buf.Bytes(), nil
}
