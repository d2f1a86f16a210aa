//go:build !gocv || !cgo

package vision

import "github.com/disintegration/imaging"

// Box resampling averages every source pixel covered by a destination pixel,
// which is area interpolation when downscaling.
func resizeArea(f *Frame, width, height int) (*Frame, error) {
	resized := imaging.Resize(f.NRGBA(), width, height, imaging.Box)
	return FrameFromImage(resized), nil
}

func ResizeBackend() string {
	return "imaging"
}
