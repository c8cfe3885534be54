// Package imgx holds pure byte-in/byte-out image helpers: palette
// application, format conversion, thumbnails and palette extraction. No
// function here calls an external service.
package imgx

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sort"
	"strconv"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

// Supported export formats.
const (
	FormatPNG  = "png"
	FormatJPG  = "jpg"
	FormatWebP = "webp"
	FormatSVG  = "svg"
)

// ParseHexColor parses "#RRGGBB" (hash optional) into a color.
func ParseHexColor(s string) (color.NRGBA, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return color.NRGBA{}, fmt.Errorf("op=imgx.parse_color: %q: want RRGGBB", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("op=imgx.parse_color: %q: %w", s, err)
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xFF}, nil
}

func luminance(c color.Color) float64 {
	r, g, b, _ := c.RGBA()
	return 0.2126*float64(r) + 0.7152*float64(g) + 0.0722*float64(b)
}

// ApplyPalette recolors the image by mapping pixel luminance onto the
// palette ordered dark to light. Alpha is preserved. Used as the post-hoc
// fallback when the provider ignores the requested palette.
func ApplyPalette(data []byte, hexColors []string) ([]byte, error) {
	if len(hexColors) == 0 {
		return nil, fmt.Errorf("op=imgx.apply_palette: empty palette")
	}
	src, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("op=imgx.apply_palette: decode: %w", err)
	}
	ramp := make([]color.NRGBA, len(hexColors))
	for i, h := range hexColors {
		c, err := ParseHexColor(h)
		if err != nil {
			return nil, err
		}
		ramp[i] = c
	}
	sort.Slice(ramp, func(i, j int) bool { return luminance(ramp[i]) < luminance(ramp[j]) })

	bounds := src.Bounds()
	dst := image.NewNRGBA(bounds)
	maxLum := 0xFFFF * (0.2126 + 0.7152 + 0.0722)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			px := src.At(x, y)
			_, _, _, a := px.RGBA()
			idx := int(luminance(px) / maxLum * float64(len(ramp)))
			if idx >= len(ramp) {
				idx = len(ramp) - 1
			}
			c := ramp[idx]
			c.A = uint8(a >> 8)
			dst.SetNRGBA(x, y, c)
		}
	}
	return encodePNG(dst)
}

// Convert re-encodes the image into target format and returns the bytes
// plus the response content type. SVG output wraps the PNG rendering in a
// raster-embedding <image> element.
func Convert(data []byte, format string) ([]byte, string, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("op=imgx.convert: decode: %w", err)
	}
	switch format {
	case FormatPNG:
		b, err := encodePNG(img)
		return b, "image/png", err
	case FormatJPG, "jpeg":
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(92)); err != nil {
			return nil, "", fmt.Errorf("op=imgx.convert: jpg encode: %w", err)
		}
		return buf.Bytes(), "image/jpeg", nil
	case FormatWebP:
		var buf bytes.Buffer
		if err := webp.Encode(&buf, img, &webp.Options{Lossless: true}); err != nil {
			return nil, "", fmt.Errorf("op=imgx.convert: webp encode: %w", err)
		}
		return buf.Bytes(), "image/webp", nil
	case FormatSVG:
		b, err := encodePNG(img)
		if err != nil {
			return nil, "", err
		}
		w, h := img.Bounds().Dx(), img.Bounds().Dy()
		svg := fmt.Sprintf(
			`<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d"><image width="%d" height="%d" href="data:image/png;base64,%s"/></svg>`,
			w, h, w, h, w, h, base64.StdEncoding.EncodeToString(b))
		return []byte(svg), "image/svg+xml", nil
	default:
		return nil, "", fmt.Errorf("op=imgx.convert: unsupported format %q", format)
	}
}

// Thumbnail scales the image down to fit maxDim on its longer side,
// never scaling up.
func Thumbnail(data []byte, maxDim int) ([]byte, error) {
	if maxDim <= 0 {
		return nil, fmt.Errorf("op=imgx.thumbnail: max_dim=%d", maxDim)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("op=imgx.thumbnail: decode: %w", err)
	}
	b := img.Bounds()
	if b.Dx() > maxDim || b.Dy() > maxDim {
		img = imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
	}
	return encodePNG(img)
}

// Resize scales the image so its longer side equals size, up or down.
func Resize(data []byte, size int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("op=imgx.resize: decode: %w", err)
	}
	b := img.Bounds()
	if b.Dx() >= b.Dy() {
		img = imaging.Resize(img, size, 0, imaging.Lanczos)
	} else {
		img = imaging.Resize(img, 0, size, imaging.Lanczos)
	}
	return encodePNG(img)
}

// ExtractPalette returns the k most frequent colors as hex strings, ordered
// dark to light. Colors are quantized to 4 bits per channel before counting
// so near-duplicates collapse.
func ExtractPalette(data []byte, k int) ([]string, error) {
	if k <= 0 {
		return nil, fmt.Errorf("op=imgx.extract_palette: k=%d", k)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("op=imgx.extract_palette: decode: %w", err)
	}
	counts := map[color.NRGBA]int{}
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, a := img.At(x, y).RGBA()
			if a>>8 < 0x10 {
				continue
			}
			q := color.NRGBA{
				R: uint8(r>>8) & 0xF0,
				G: uint8(g>>8) & 0xF0,
				B: uint8(b>>8) & 0xF0,
				A: 0xFF,
			}
			counts[q]++
		}
	}
	type entry struct {
		c color.NRGBA
		n int
	}
	all := make([]entry, 0, len(counts))
	for c, n := range counts {
		all = append(all, entry{c, n})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].n > all[j].n })
	if len(all) > k {
		all = all[:k]
	}
	sort.Slice(all, func(i, j int) bool { return luminance(all[i].c) < luminance(all[j].c) })
	out := make([]string, len(all))
	for i, e := range all {
		out[i] = fmt.Sprintf("#%02X%02X%02X", e.c.R, e.c.G, e.c.B)
	}
	return out, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("op=imgx.encode: %w", err)
	}
	return buf.Bytes(), nil
}
