package imgx

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeTestPNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// gradientPNG is a horizontal black-to-white ramp.
func gradientPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(x * 255 / (w - 1))
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 0xFF})
		}
	}
	return encodeTestPNG(t, img)
}

func TestParseHexColor(t *testing.T) {
	t.Parallel()
	c, err := ParseHexColor("#1A2B3C")
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 0x1A, G: 0x2B, B: 0x3C, A: 0xFF}, c)

	c, err = ParseHexColor("ffffff")
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}, c)

	for _, bad := range []string{"", "#fff", "#GGGGGG", "#1234567"} {
		_, err := ParseHexColor(bad)
		assert.Error(t, err, bad)
	}
}

func TestApplyPalette_MapsLuminanceOntoRamp(t *testing.T) {
	t.Parallel()
	palette := []string{"#000080", "#FF0000", "#FFFF00"}
	out, err := ApplyPalette(gradientPNG(t, 64, 8), palette)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)

	want := map[color.NRGBA]bool{
		{R: 0x00, G: 0x00, B: 0x80, A: 0xFF}: true,
		{R: 0xFF, G: 0x00, B: 0x00, A: 0xFF}: true,
		{R: 0xFF, G: 0xFF, B: 0x00, A: 0xFF}: true,
	}
	seen := map[color.NRGBA]bool{}
	b := img.Bounds()
	for x := b.Min.X; x < b.Max.X; x++ {
		r, g, bl, a := img.At(x, b.Min.Y).RGBA()
		c := color.NRGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(bl >> 8), A: uint8(a >> 8)}
		require.True(t, want[c], "pixel %v not from the palette", c)
		seen[c] = true
	}
	// The full ramp should appear across a black-to-white gradient.
	assert.Len(t, seen, len(palette))
}

func TestApplyPalette_PreservesAlpha(t *testing.T) {
	t.Parallel()
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 0x80, G: 0x80, B: 0x80, A: 0xFF})
	img.SetNRGBA(1, 0, color.NRGBA{A: 0x00})

	out, err := ApplyPalette(encodeTestPNG(t, img), []string{"#112233"})
	require.NoError(t, err)
	decoded, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	_, _, _, a := decoded.At(1, 0).RGBA()
	assert.Zero(t, a)
}

func TestApplyPalette_Errors(t *testing.T) {
	t.Parallel()
	_, err := ApplyPalette(gradientPNG(t, 4, 4), nil)
	assert.Error(t, err)
	_, err = ApplyPalette([]byte("not an image"), []string{"#000000"})
	assert.Error(t, err)
	_, err = ApplyPalette(gradientPNG(t, 4, 4), []string{"#zzz"})
	assert.Error(t, err)
}

func TestConvert_Formats(t *testing.T) {
	t.Parallel()
	src := gradientPNG(t, 10, 6)

	out, ct, err := Convert(src, FormatPNG)
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)
	_, format, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "png", format)

	out, ct, err = Convert(src, "jpeg")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", ct)
	_, format, err = image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)

	out, ct, err = Convert(src, FormatWebP)
	require.NoError(t, err)
	assert.Equal(t, "image/webp", ct)
	assert.Equal(t, "RIFF", string(out[:4]))

	out, ct, err = Convert(src, FormatSVG)
	require.NoError(t, err)
	assert.Equal(t, "image/svg+xml", ct)
	svg := string(out)
	assert.True(t, strings.HasPrefix(svg, "<svg"))
	assert.Contains(t, svg, `width="10"`)
	assert.Contains(t, svg, "data:image/png;base64,")

	_, _, err = Convert(src, "gif")
	assert.Error(t, err)
	_, _, err = Convert([]byte("junk"), FormatPNG)
	assert.Error(t, err)
}

func TestThumbnail_NeverUpscales(t *testing.T) {
	t.Parallel()
	out, err := Thumbnail(gradientPNG(t, 100, 40), 50)
	require.NoError(t, err)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Width)
	assert.Equal(t, 20, cfg.Height)

	out, err = Thumbnail(gradientPNG(t, 30, 12), 50)
	require.NoError(t, err)
	cfg, _, err = image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Width)
	assert.Equal(t, 12, cfg.Height)

	_, err = Thumbnail(gradientPNG(t, 4, 4), 0)
	assert.Error(t, err)
}

func TestResize_ScalesLongerSide(t *testing.T) {
	t.Parallel()
	out, err := Resize(gradientPNG(t, 40, 20), 80)
	require.NoError(t, err)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 80, cfg.Width)
	assert.Equal(t, 40, cfg.Height)

	// Portrait images scale by height.
	out, err = Resize(gradientPNG(t, 20, 40), 10)
	require.NoError(t, err)
	cfg, _, err = image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Height)
}

func TestExtractPalette(t *testing.T) {
	t.Parallel()
	img := image.NewNRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			switch {
			case y < 6:
				img.SetNRGBA(x, y, color.NRGBA{R: 0xF0, G: 0xF0, B: 0xF0, A: 0xFF})
			case y < 9:
				img.SetNRGBA(x, y, color.NRGBA{R: 0x20, G: 0x40, B: 0x60, A: 0xFF})
			default:
				img.SetNRGBA(x, y, color.NRGBA{A: 0x00})
			}
		}
	}

	colors, err := ExtractPalette(encodeTestPNG(t, img), 5)
	require.NoError(t, err)
	// Two opaque colors, ordered dark to light; transparent pixels ignored.
	require.Len(t, colors, 2)
	assert.Equal(t, "#204060", colors[0])
	assert.Equal(t, "#F0F0F0", colors[1])

	_, err = ExtractPalette(encodeTestPNG(t, img), 0)
	assert.Error(t, err)
}
