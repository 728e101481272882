package imaging

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestThumbnailScalesWideImages(t *testing.T) {
	thumb, err := NewThumbnailer().Thumbnail(encodePNG(t, 1600, 1200))
	require.NoError(t, err)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(thumb))
	require.NoError(t, err)
	assert.Equal(t, 800, cfg.Width)
	assert.Equal(t, 600, cfg.Height)
}

func TestThumbnailKeepsNarrowImages(t *testing.T) {
	thumb, err := NewThumbnailer(WithWidth(200), WithQuality(60)).Thumbnail(encodePNG(t, 120, 90))
	require.NoError(t, err)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(thumb))
	require.NoError(t, err)
	assert.Equal(t, 120, cfg.Width)
	assert.Equal(t, 90, cfg.Height)
}

func TestThumbnailRejectsInvalidInput(t *testing.T) {
	_, err := NewThumbnailer().Thumbnail(nil)
	assert.ErrorIs(t, err, ErrEmptyImage)

	_, err = NewThumbnailer().Thumbnail([]byte("not an image"))
	assert.Error(t, err)
}

// withDeclaredSize rewrites the IHDR chunk of an encoded PNG so its header claims
// width x height while the pixel data stays tiny.
func withDeclaredSize(t *testing.T, data []byte, width, height uint32) []byte {
	t.Helper()
	out := bytes.Clone(data)
	require.Equal(t, "IHDR", string(out[12:16]))
	binary.BigEndian.PutUint32(out[16:20], width)
	binary.BigEndian.PutUint32(out[20:24], height)
	binary.BigEndian.PutUint32(out[29:33], crc32.ChecksumIEEE(out[12:29]))
	return out
}

func TestThumbnailRejectsOversizedDimensionsBeforeDecoding(t *testing.T) {
	forged := withDeclaredSize(t, encodePNG(t, 4, 4), 100_000, 100_000)

	cfg, err := png.DecodeConfig(bytes.NewReader(forged))
	require.NoError(t, err)
	require.Equal(t, 100_000, cfg.Width)

	_, err = NewThumbnailer().Thumbnail(forged)
	assert.ErrorIs(t, err, ErrImageTooLarge)
}

func TestThumbnailHonoursMaxPixels(t *testing.T) {
	img := encodePNG(t, 20, 20)

	_, err := NewThumbnailer(WithMaxPixels(399)).Thumbnail(img)
	assert.ErrorIs(t, err, ErrImageTooLarge)

	_, err = NewThumbnailer(WithMaxPixels(400)).Thumbnail(img)
	assert.NoError(t, err)
}
