package pipeline

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/cartoonify/internal/vision"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

type imagingCodec struct {
	maxPixels int
}

func (c imagingCodec) Decode(data []byte) (*vision.Frame, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("read image header: %w", err)
	}
	if err := checkPixelLimit(cfg.Width, cfg.Height, c.maxPixels); err != nil {
		return nil, "", err
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("decode %s image: %w", format, err)
	}
	return vision.FrameFromImage(img), format, nil
}

func (imagingCodec) Encode(frame *vision.Frame, format string, q int) ([]byte, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	switch normalizeOutputFormat(format) {
	case "png":
		if err := imaging.Encode(&buf, frame.NRGBA(), imaging.PNG); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	default:
		if err := imaging.Encode(&buf, frame.NRGBA(), imaging.JPEG, imaging.JPEGQuality(quality(q))); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func checkPixelLimit(width, height, limit int) error {
	if limit <= 0 {
		limit = DefaultMaxPixels
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid image dimensions %dx%d", width, height)
	}
	if int64(width)*int64(height) > int64(limit) {
		return fmt.Errorf("%w: %dx%d > %d", ErrImageTooLarge, width, height, limit)
	}
	return nil
}
