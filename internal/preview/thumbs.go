package preview

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime"
	"strings"

	_ "image/gif"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

const (
	ThumbMaxSize = 200
	ThumbQuality = 80

	// maxBufferedSource bounds sources that must be read into memory because
	// they cannot be rewound for the EXIF pass.
	maxBufferedSource = 64 << 20
)

// ContentType is the encoding of every generated thumbnail.
const ContentType = "image/jpeg"

var supportedTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/bmp":  true,
}

// Generator turns source content into a thumbnail.
type Generator interface {
	Supports(contentType string) bool
	Generate(src io.Reader, contentType string, dst io.Writer) error
}

// ImageGenerator fits images into a bounding box and encodes them as JPEG,
// honoring EXIF orientation.
type ImageGenerator struct {
	MaxWidth  int
	MaxHeight int
	Quality   int
}

// NewImageGenerator returns a generator with the given bounds. Zero values
// take the defaults.
func NewImageGenerator(maxWidth, maxHeight, quality int) *ImageGenerator {
	if maxWidth <= 0 {
		maxWidth = ThumbMaxSize
	}
	if maxHeight <= 0 {
		maxHeight = ThumbMaxSize
	}
	if quality <= 0 || quality > 100 {
		quality = ThumbQuality
	}
	return &ImageGenerator{MaxWidth: maxWidth, MaxHeight: maxHeight, Quality: quality}
}

// Supports reports whether contentType can be decoded.
func (g *ImageGenerator) Supports(contentType string) bool {
	return supportedTypes[mediaType(contentType)]
}

// Generate decodes src, applies EXIF orientation, fits it within the bounds
// preserving aspect ratio and writes a JPEG to dst.
func (g *ImageGenerator) Generate(src io.Reader, contentType string, dst io.Writer) error {
	orientation := 1
	if isJPEG(contentType) {
		rs, err := rewindable(src)
		if err != nil {
			return err
		}
		orientation = ExtractOrientation(rs)
		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind source: %w", err)
		}
		src = rs
	}

	img, _, err := image.Decode(src)
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}

	img = applyOrientation(img, orientation)
	thumb := imaging.Fit(img, g.MaxWidth, g.MaxHeight, imaging.Lanczos)

	if err := jpeg.Encode(dst, thumb, &jpeg.Options{Quality: g.Quality}); err != nil {
		return fmt.Errorf("encode thumbnail: %w", err)
	}
	return nil
}

// applyOrientation transforms an image according to EXIF orientation value.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

func rewindable(r io.Reader) (io.ReadSeeker, error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		return rs, nil
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBufferedSource+1))
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	if len(data) > maxBufferedSource {
		return nil, fmt.Errorf("source exceeds %d bytes", maxBufferedSource)
	}
	return bytes.NewReader(data), nil
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

func isJPEG(contentType string) bool {
	mt := mediaType(contentType)
	return mt == "image/jpeg" || mt == "image/jpg"
}

// IsImage reports whether contentType names an image.
func IsImage(contentType string) bool {
	return strings.HasPrefix(mediaType(contentType), "image/")
}
