package vision

import "fmt"

const (
	// MaxShortSide caps the smaller frame dimension before inference.
	MaxShortSide = 720
	// StrideMultiple is the spatial stride both models require.
	StrideMultiple = 8
)

// TargetSize returns the dimensions ResizeCrop scales to before cropping.
// Frames whose short side is within MaxShortSide keep their size.
func TargetSize(width, height int) (int, int) {
	if min(width, height) <= MaxShortSide {
		return width, height
	}
	if height > width {
		return MaxShortSide, int(float64(MaxShortSide*height) / float64(width))
	}
	return int(float64(MaxShortSide*width) / float64(height)), MaxShortSide
}

// CropSize truncates both dimensions down to a multiple of StrideMultiple.
func CropSize(width, height int) (int, int) {
	return (width / StrideMultiple) * StrideMultiple, (height / StrideMultiple) * StrideMultiple
}

// ResizeCrop downsizes frames with a short side over MaxShortSide using area
// averaging, then crops from the top-left so both sides are multiples of
// StrideMultiple.
func ResizeCrop(f *Frame) (*Frame, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	w, h := TargetSize(f.Width, f.Height)
	cw, ch := CropSize(w, h)
	if cw == 0 || ch == 0 {
		return nil, fmt.Errorf("%w: %dx%d crops to %dx%d", ErrFrameTooSmall, f.Width, f.Height, cw, ch)
	}

	out := f
	if w != f.Width || h != f.Height {
		resized, err := resizeArea(f, w, h)
		if err != nil {
			return nil, fmt.Errorf("resize %dx%d to %dx%d: %w", f.Width, f.Height, w, h, err)
		}
		out = resized
	}
	return out.Crop(cw, ch), nil
}
