package vision

import (
	"context"
	"fmt"

	"github.com/dunamismax/cartoonify/internal/inference"
)

// PersonClass is the "person" label in the 21-class Pascal VOC set.
const PersonClass = 15

var (
	ImageNetMean = [Channels]float64{0.485, 0.456, 0.406}
	ImageNetStd  = [Channels]float64{0.229, 0.224, 0.225}
)

// SegmentationParams names the label and RGB normalization constants the
// segmentation model was trained with.
type SegmentationParams struct {
	TargetClass int
	Mean        [Channels]float64
	Std         [Channels]float64
}

func DefaultSegmentationParams() SegmentationParams {
	return SegmentationParams{
		TargetClass: PersonClass,
		Mean:        ImageNetMean,
		Std:         ImageNetStd,
	}
}

// Mask is a single-channel image whose samples are 0 or 255.
type Mask struct {
	Width  int
	Height int
	Pix    []uint8
}

func NewMask(width, height int) *Mask {
	return &Mask{Width: width, Height: height, Pix: make([]uint8, width*height)}
}

// Complement returns 255 - m for every sample.
func (m *Mask) Complement() *Mask {
	out := NewMask(m.Width, m.Height)
	for i, v := range m.Pix {
		out.Pix[i] = 255 - v
	}
	return out
}

// Count returns the number of set samples.
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Pix {
		if v == 255 {
			n++
		}
	}
	return n
}

// NormalizeTensor packs f as a (1, 3, H, W) RGB tensor scaled by mean and
// std (both given in the unit range and multiplied by 255).
func NormalizeTensor(f *Frame, p SegmentationParams) inference.Tensor {
	plane := f.Width * f.Height
	data := make([]float32, Channels*plane)

	var mean, std [Channels]float64
	for c := 0; c < Channels; c++ {
		mean[c] = 255 * p.Mean[c]
		std[c] = 255 * p.Std[c]
	}

	for i := 0; i < plane; i++ {
		b, g, r := f.Pix[i*Channels], f.Pix[i*Channels+1], f.Pix[i*Channels+2]
		data[i] = float32((float64(r) - mean[0]) / std[0])
		data[plane+i] = float32((float64(g) - mean[1]) / std[1])
		data[2*plane+i] = float32((float64(b) - mean[2]) / std[2])
	}

	return inference.Tensor{
		Shape: []int64{1, Channels, int64(f.Height), int64(f.Width)},
		Data:  data,
	}
}

// ClassMask takes the per-pixel arg-max over the class dimension of a
// (1, C, H, W) score tensor and marks pixels equal to class with 255. Ties
// resolve to the lowest class index.
func ClassMask(scores inference.Tensor, width, height, class int) (*Mask, error) {
	s := scores.Shape
	if len(s) != 4 || s[0] != 1 || s[2] != int64(height) || s[3] != int64(width) {
		return nil, fmt.Errorf("%w: scores %v for %dx%d frame", inference.ErrShapeMismatch, s, width, height)
	}
	classes := int(s[1])
	if class < 0 || class >= classes {
		return nil, fmt.Errorf("%w: class %d outside %d model classes", inference.ErrShapeMismatch, class, classes)
	}
	plane := width * height
	if len(scores.Data) != classes*plane {
		return nil, fmt.Errorf("%w: %d scores for shape %v", inference.ErrShapeMismatch, len(scores.Data), s)
	}

	mask := NewMask(width, height)
	for i := 0; i < plane; i++ {
		best, bestScore := 0, scores.Data[i]
		for c := 1; c < classes; c++ {
			if v := scores.Data[c*plane+i]; v > bestScore {
				best, bestScore = c, v
			}
		}
		if best == class {
			mask.Pix[i] = 255
		}
	}
	return mask, nil
}

// FindMasks runs the segmentation model over f and returns the target-class
// mask and its complement.
func FindMasks(ctx context.Context, f *Frame, model inference.Model, p SegmentationParams) (person, background *Mask, err error) {
	if err := f.Validate(); err != nil {
		return nil, nil, err
	}

	scores, err := model.Run(ctx, NormalizeTensor(f, p))
	if err != nil {
		return nil, nil, fmt.Errorf("segmentation model: %w", err)
	}

	person, err = ClassMask(scores, f.Width, f.Height, p.TargetClass)
	if err != nil {
		return nil, nil, err
	}
	return person, person.Complement(), nil
}
