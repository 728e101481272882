// Package imaging renders reduced previews of uploaded photographs.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
)

const (
	DefaultWidth     = 800
	DefaultQuality   = 80
	// DefaultMaxPixels bounds the decoded size; 50 MP covers full-frame camera output.
	DefaultMaxPixels = 50_000_000
)

var (
	// ErrEmptyImage is returned when no image bytes are supplied.
	ErrEmptyImage = errors.New("imaging: image data is empty")
	// ErrImageTooLarge is returned when the declared dimensions exceed the pixel limit.
	ErrImageTooLarge = errors.New("imaging: image dimensions exceed the limit")
)

// Thumbnailer scales images down to a fixed width and re-encodes them as JPEG.
type Thumbnailer struct {
	width     uint
	quality   int
	maxPixels int64
}

// Option customises a Thumbnailer.
type Option func(*Thumbnailer)

// WithWidth sets the target width in pixels.
func WithWidth(width uint) Option {
	return func(t *Thumbnailer) {
		if width > 0 {
			t.width = width
		}
	}
}

// WithQuality sets the JPEG quality (1-100).
func WithQuality(quality int) Option {
	return func(t *Thumbnailer) {
		if quality >= 1 && quality <= 100 {
			t.quality = quality
		}
	}
}

// WithMaxPixels caps width*height as declared in the image header.
func WithMaxPixels(limit int64) Option {
	return func(t *Thumbnailer) {
		if limit > 0 {
			t.maxPixels = limit
		}
	}
}

// NewThumbnailer constructs a Thumbnailer with the provided options.
func NewThumbnailer(opts ...Option) *Thumbnailer {
	t := &Thumbnailer{width: DefaultWidth, quality: DefaultQuality, maxPixels: DefaultMaxPixels}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Thumbnail decodes a JPEG or PNG and returns a JPEG no wider than the
// configured width. Narrower images keep their dimensions.
func (t *Thumbnailer) Thumbnail(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	// The header is checked first; a small file can declare dimensions that would take
	// gigabytes to decode.
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("imaging: decode config: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > t.maxPixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrImageTooLarge, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("imaging: decode: %w", err)
	}

	out := img
	if uint(img.Bounds().Dx()) > t.width {
		out = resize.Resize(t.width, 0, img, resize.Lanczos3)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: t.quality}); err != nil {
		return nil, fmt.Errorf("imaging: encode: %w", err)
	}
	return buf.Bytes(), nil
}
