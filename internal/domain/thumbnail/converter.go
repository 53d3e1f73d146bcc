package thumbnail

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	"github.com/byluca/ct-medical-images/internal/platform/blobstore"
)

const (
	DefaultSize    = 256
	DefaultQuality = 90
)

// Converter renders pixel sources to square JPEG thumbnails and persists
// them through a blob store.
type Converter struct {
	store   blobstore.BlobStore
	size    int
	quality int
}

// Option configures a Converter.
type Option func(*Converter)

// WithSize sets the thumbnail edge length in pixels.
func WithSize(n int) Option {
	return func(c *Converter) {
		if n > 0 {
			c.size = n
		}
	}
}

// WithQuality sets the JPEG quality, 1 to 100.
func WithQuality(q int) Option {
	return func(c *Converter) {
		if q >= 1 && q <= 100 {
			c.quality = q
		}
	}
}

// NewConverter returns a Converter writing to store.
func NewConverter(store blobstore.BlobStore, opts ...Option) *Converter {
	c := &Converter{store: store, size: DefaultSize, quality: DefaultQuality}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Size returns the configured edge length.
func (c *Converter) Size() int { return c.size }

// OutputName maps a source path to its thumbnail file name: the base name
// with its extension replaced by ".jpeg".
func OutputName(sourcePath string) string {
	base := filepath.Base(sourcePath)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".jpeg"
}

// Render converts p to an encoded JPEG of the configured size.
func (c *Converter) Render(p *PixelArray) ([]byte, error) {
	gray, err := Gray(p)
	if err != nil {
		return nil, err
	}
	dst := image.NewGray(image.Rect(0, 0, c.size, c.size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), gray, gray.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: c.quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Convert decodes src, renders it and stores the result. It returns the
// location of the written thumbnail; an existing thumbnail for the same
// source name is overwritten.
func (c *Converter) Convert(ctx context.Context, src PixelSource, sourcePath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := src.PixelArray()
	if err != nil {
		return "", fmt.Errorf("read pixels: %w", err)
	}
	data, err := c.Render(p)
	if err != nil {
		return "", err
	}
	meta, err := c.store.Put(ctx, blobstore.BlobMetadata{
		Key:         OutputName(sourcePath),
		ContentType: "image/jpeg",
	}, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("store thumbnail: %w", err)
	}
	return meta.Location, nil
}
