// Package vision holds the deterministic image transforms around model
// inference: dimension normalization, tensor packing, mask extraction,
// cartoon postprocessing and mask compositing.
package vision

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
)

const Channels = 3

var ErrFrameTooSmall = errors.New("frame too small")

// Frame is an 8-bit, 3-channel image with interleaved samples in BGR order.
type Frame struct {
	Width  int
	Height int
	Pix    []uint8
}

func NewFrame(width, height int) *Frame {
	return &Frame{
		Width:  width,
		Height: height,
		Pix:    make([]uint8, width*height*Channels),
	}
}

func (f *Frame) offset(x, y int) int {
	return (y*f.Width + x) * Channels
}

// BGR returns the samples at (x, y).
func (f *Frame) BGR(x, y int) (b, g, r uint8) {
	i := f.offset(x, y)
	return f.Pix[i], f.Pix[i+1], f.Pix[i+2]
}

func (f *Frame) SetBGR(x, y int, b, g, r uint8) {
	i := f.offset(x, y)
	f.Pix[i], f.Pix[i+1], f.Pix[i+2] = b, g, r
}

func (f *Frame) Validate() error {
	if f == nil {
		return errors.New("frame is nil")
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrFrameTooSmall, f.Width, f.Height)
	}
	if len(f.Pix) != f.Width*f.Height*Channels {
		return fmt.Errorf("frame buffer holds %d samples, want %d", len(f.Pix), f.Width*f.Height*Channels)
	}
	return nil
}

// SameSize reports whether both frames share width and height.
func (f *Frame) SameSize(o *Frame) bool {
	return f.Width == o.Width && f.Height == o.Height
}

// FrameFromImage flattens img onto an opaque BGR frame. Alpha is dropped.
func FrameFromImage(img image.Image) *Frame {
	b := img.Bounds()
	nrgba, ok := img.(*image.NRGBA)
	if !ok || nrgba.Rect.Min != (image.Point{}) {
		nrgba = image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(nrgba, nrgba.Bounds(), img, b.Min, draw.Src)
	}

	f := NewFrame(b.Dx(), b.Dy())
	for y := 0; y < f.Height; y++ {
		row := nrgba.Pix[y*nrgba.Stride:]
		for x := 0; x < f.Width; x++ {
			s := row[x*4:]
			f.SetBGR(x, y, s[2], s[1], s[0])
		}
	}
	return f
}

// NRGBA converts the frame into an opaque *image.NRGBA.
func (f *Frame) NRGBA() *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			b, g, r := f.BGR(x, y)
			out.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: b, A: 255})
		}
	}
	return out
}

// Crop returns the top-left width x height region as a new frame.
func (f *Frame) Crop(width, height int) *Frame {
	if width >= f.Width && height >= f.Height {
		return f
	}
	out := NewFrame(width, height)
	rowBytes := width * Channels
	for y := 0; y < height; y++ {
		src := f.offset(0, y)
		copy(out.Pix[y*rowBytes:(y+1)*rowBytes], f.Pix[src:src+rowBytes])
	}
	return out
}
