package preview

import (
	"io"

	"github.com/rwcarlsen/goexif/exif"
)

// ExtractOrientation returns the EXIF orientation (1-8) of an image, or 1
// when the image carries no usable EXIF data.
func ExtractOrientation(r io.Reader) int {
	x, err := exif.Decode(r)
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	if v, err := tag.Int(0); err == nil && v >= 1 && v <= 8 {
		return v
	}
	return 1
}
