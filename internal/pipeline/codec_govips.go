//go:build govips && cgo

package pipeline

import (
	"bytes"
	"fmt"
	"image/png"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/cartoonify/internal/vision"
)

type govipsCodec struct {
	maxPixels int
}

func (c govipsCodec) Decode(data []byte) (*vision.Frame, string, error) {
	img, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, "", fmt.Errorf("decode source image: %w", err)
	}
	defer img.Close()

	if err := checkPixelLimit(img.Width(), img.Height(), c.maxPixels); err != nil {
		return nil, "", err
	}
	if err := img.AutoRotate(); err != nil {
		return nil, "", fmt.Errorf("auto-rotate image: %w", err)
	}

	goImg, err := img.ToImage(vips.NewDefaultExportParams())
	if err != nil {
		return nil, "", fmt.Errorf("convert image: %w", err)
	}
	return vision.FrameFromImage(goImg), formatName(vips.DetermineImageType(data)), nil
}

func (govipsCodec) Encode(frame *vision.Frame, format string, q int) ([]byte, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}

	// libvips loads from encoded buffers only; an uncompressed PNG is the
	// cheapest lossless handoff.
	var raw bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.NoCompression}
	if err := enc.Encode(&raw, frame.NRGBA()); err != nil {
		return nil, fmt.Errorf("stage frame: %w", err)
	}

	img, err := vips.NewImageFromBuffer(raw.Bytes())
	if err != nil {
		return nil, fmt.Errorf("load frame: %w", err)
	}
	defer img.Close()

	switch normalizeOutputFormat(format) {
	case "png":
		data, _, err := img.ExportPng(vips.NewPngExportParams())
		if err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return data, nil
	default:
		params := vips.NewJpegExportParams()
		params.Quality = quality(q)
		data, _, err := img.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return data, nil
	}
}

func formatName(t vips.ImageType) string {
	switch t {
	case vips.ImageTypeJPEG:
		return "jpeg"
	case vips.ImageTypePNG:
		return "png"
	case vips.ImageTypeWEBP:
		return "webp"
	case vips.ImageTypeGIF:
		return "gif"
	case vips.ImageTypeTIFF:
		return "tiff"
	case vips.ImageTypeHEIF:
		return "heif"
	default:
		return "unknown"
	}
}
