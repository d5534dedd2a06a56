package classifier

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strconv"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrInvalidImage marks uploads that do not decode as a still image.
var ErrInvalidImage = errors.New("invalid image")

// DefaultMaxPixels bounds the declared size of an upload before its pixels are
// allocated.
const DefaultMaxPixels = 40_000_000

// Decode parses data as PNG, JPEG, GIF, BMP, TIFF or WebP. Images whose header
// declares more than maxPixels pixels are rejected without being decoded.
func Decode(data []byte, maxPixels int) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrInvalidImage)
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: zero-sized image", ErrInvalidImage)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, fmt.Errorf("%w: %dx%d exceeds the %d pixel limit", ErrInvalidImage, cfg.Width, cfg.Height, maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: zero-sized image", ErrInvalidImage)
	}
	return img, nil
}

// ContentHash is the hex md5 of data; it keys the demo score and the cache.
func ContentHash(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// DemoScore derives a stand-in score from the first 8 hex digits of the
// content hash, reduced modulo 100 and scaled to [0, 0.99].
func DemoScore(data []byte) float64 {
	prefix := ContentHash(data)[:8]
	v, _ := strconv.ParseUint(prefix, 16, 32)
	return float64(v%100) / 100
}
