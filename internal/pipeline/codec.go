package pipeline

import (
	"path"
	"strings"

	"github.com/dunamismax/cartoonify/internal/vision"
)

// DefaultJPEGQuality is the quality results are encoded at.
const DefaultJPEGQuality = 95

// DefaultMaxPixels bounds decoded images to guard against decompression bombs.
const DefaultMaxPixels = 100_000_000

type Codec interface {
	Decode(data []byte) (frame *vision.Frame, format string, err error)
	Encode(frame *vision.Frame, format string, quality int) ([]byte, error)
}

func normalizeOutputFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "png":
		return "png"
	default:
		return "jpeg"
	}
}

func extensionForFormat(format string) string {
	if normalizeOutputFormat(format) == "png" {
		return ".png"
	}
	return ".jpg"
}

func contentTypeForFormat(format string) string {
	if normalizeOutputFormat(format) == "png" {
		return "image/png"
	}
	return "image/jpeg"
}

// OutputKey derives the destination key for a source key: the extension of
// the final path element is replaced by ".jpg" and any prefix is kept.
func OutputKey(sourceKey string) string {
	return replaceExt(sourceKey, ".jpg")
}

// replaceExt swaps the extension of the last path element. Leading dots of
// that element do not start an extension, so ".env" has none.
func replaceExt(key, ext string) string {
	dir, base := path.Split(key)
	stem := base
	trimmed := strings.TrimLeft(base, ".")
	if i := strings.LastIndexByte(trimmed, '.'); i >= 0 {
		stem = base[:len(base)-len(trimmed)+i]
	}
	return dir + stem + ext
}

func quality(q int) int {
	if q <= 0 || q > 100 {
		return DefaultJPEGQuality
	}
	return q
}
