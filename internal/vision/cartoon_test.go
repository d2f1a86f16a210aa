package vision

import (
	"context"
	"errors"
	"testing"

	"github.com/dunamismax/cartoonify/internal/inference"
)

func constantModel(value float32) inference.ModelFunc {
	return func(_ context.Context, in inference.Tensor) (inference.Tensor, error) {
		data := make([]float32, len(in.Data))
		for i := range data {
			data[i] = value
		}
		return inference.Tensor{Shape: append([]int64(nil), in.Shape...), Data: data}, nil
	}
}

func TestCartoonTensorScalesToUnitRange(t *testing.T) {
	f := NewFrame(1, 1)
	f.SetBGR(0, 0, 0, 255, 51)

	tensor := CartoonTensor(f)
	if len(tensor.Shape) != 4 || tensor.Shape[0] != 1 || tensor.Shape[3] != 3 {
		t.Fatalf("expected (1, H, W, 3), got %v", tensor.Shape)
	}
	if tensor.Data[0] != -1 || tensor.Data[1] != 1 {
		t.Fatalf("expected extremes -1 and 1, got %v", tensor.Data)
	}
	if want := float32(51)/127.5 - 1; tensor.Data[2] != want {
		t.Fatalf("expected %f, got %f", want, tensor.Data[2])
	}
}

func TestCartoonizeKeepsDimensions(t *testing.T) {
	src := checkerboard(24, 16, 8)
	out, stats, err := Cartoonize(context.Background(), src, constantModel(0))
	if err != nil {
		t.Fatalf("cartoonize: %v", err)
	}
	if !out.SameSize(src) {
		t.Fatalf("expected %dx%d, got %dx%d", src.Width, src.Height, out.Width, out.Height)
	}
	if stats.Saturated != 0 {
		t.Fatalf("expected no saturation, got %d", stats.Saturated)
	}
	// (0 + 1) * 127.5 truncates to 127.
	if out.Pix[0] != 127 {
		t.Fatalf("expected 127, got %d", out.Pix[0])
	}
}

func TestCartoonizeSaturatesOutOfRangeOutput(t *testing.T) {
	src := solidFrame(8, 8, 1, 2, 3)

	high, stats, err := Cartoonize(context.Background(), src, constantModel(1.5))
	if err != nil {
		t.Fatalf("cartoonize: %v", err)
	}
	if high.Pix[0] != 255 || stats.Saturated != len(src.Pix) {
		t.Fatalf("expected all samples clipped to 255, got %d (saturated=%d)", high.Pix[0], stats.Saturated)
	}

	low, stats, err := Cartoonize(context.Background(), src, constantModel(-3))
	if err != nil {
		t.Fatalf("cartoonize: %v", err)
	}
	if low.Pix[0] != 0 || stats.Saturated != len(src.Pix) {
		t.Fatalf("expected all samples clipped to 0, got %d (saturated=%d)", low.Pix[0], stats.Saturated)
	}
}

func TestCartoonFrameRejectsWrongSize(t *testing.T) {
	out := inference.Tensor{Shape: []int64{1, 4, 4, 3}, Data: make([]float32, 48)}
	if _, _, err := CartoonFrame(out, 8, 8); !errors.Is(err, inference.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}
