package vision

import (
	"context"
	"fmt"
	"math"

	"github.com/dunamismax/cartoonify/internal/inference"
)

const cartoonScale = 127.5

// CartoonStats reports how far the model output strayed from the valid range.
type CartoonStats struct {
	Saturated int
}

// CartoonTensor packs f as a (1, H, W, 3) channel-last tensor in [-1, 1],
// keeping the frame's channel order.
func CartoonTensor(f *Frame) inference.Tensor {
	data := make([]float32, len(f.Pix))
	for i, v := range f.Pix {
		data[i] = float32(v)/cartoonScale - 1
	}
	return inference.Tensor{
		Shape: []int64{1, int64(f.Height), int64(f.Width), Channels},
		Data:  data,
	}
}

// CartoonFrame maps a [-1, 1] style-transfer output back to 8-bit samples.
// Values outside [0, 255] after rescaling are saturated and counted; the rest
// are truncated toward zero. NaN maps to 0.
func CartoonFrame(out inference.Tensor, width, height int) (*Frame, CartoonStats, error) {
	want := width * height * Channels
	if len(out.Data) != want || inference.Elements(out.Shape) != int64(want) {
		return nil, CartoonStats{}, fmt.Errorf("%w: cartoon output %v (%d values) for %dx%d frame",
			inference.ErrShapeMismatch, out.Shape, len(out.Data), width, height)
	}

	var stats CartoonStats
	f := NewFrame(width, height)
	for i, v := range out.Data {
		scaled := (v + 1) * cartoonScale
		switch {
		case scaled < 0 || math.IsNaN(float64(scaled)):
			stats.Saturated++
			f.Pix[i] = 0
		case scaled > 255:
			stats.Saturated++
			f.Pix[i] = 255
		default:
			f.Pix[i] = uint8(scaled)
		}
	}
	return f, stats, nil
}

// Cartoonize runs the style-transfer model over f. The result has the same
// dimensions as f.
func Cartoonize(ctx context.Context, f *Frame, model inference.Model) (*Frame, CartoonStats, error) {
	if err := f.Validate(); err != nil {
		return nil, CartoonStats{}, err
	}

	out, err := model.Run(ctx, CartoonTensor(f))
	if err != nil {
		return nil, CartoonStats{}, fmt.Errorf("cartoon model: %w", err)
	}
	return CartoonFrame(out, f.Width, f.Height)
}
