//go:build gocv && cgo

package vision

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

func resizeArea(f *Frame, width, height int) (*Frame, error) {
	src, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Pix)
	if err != nil {
		return nil, fmt.Errorf("wrap frame: %w", err)
	}
	defer src.Close()

	dst := gocv.NewMat()
	defer dst.Close()

	if err := gocv.Resize(src, &dst, image.Pt(width, height), 0, 0, gocv.InterpolationArea); err != nil {
		return nil, fmt.Errorf("gocv resize: %w", err)
	}

	out := NewFrame(width, height)
	copy(out.Pix, dst.ToBytes())
	return out, nil
}

func ResizeBackend() string {
	return "gocv"
}
