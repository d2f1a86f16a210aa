// Package inference wraps pre-trained models behind a tensor-in, tensor-out
// interface and manages their process-wide lifetime.
package inference

import (
	"context"
	"errors"
	"fmt"
)

var ErrShapeMismatch = errors.New("tensor shape mismatch")

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Shape []int64
	Data  []float32
}

func NewTensor(data []float32, shape ...int64) (Tensor, error) {
	if want := Elements(shape); int64(len(data)) != want {
		return Tensor{}, fmt.Errorf("%w: %d values for shape %v (want %d)", ErrShapeMismatch, len(data), shape, want)
	}
	return Tensor{Shape: shape, Data: data}, nil
}

// Elements returns the number of values a tensor of the given shape holds.
func Elements(shape []int64) int64 {
	if len(shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

type Model interface {
	Run(ctx context.Context, input Tensor) (Tensor, error)
	Close() error
}

// ModelFunc adapts a plain function to Model. Close is a no-op.
type ModelFunc func(ctx context.Context, input Tensor) (Tensor, error)

func (f ModelFunc) Run(ctx context.Context, input Tensor) (Tensor, error) {
	return f(ctx, input)
}

func (ModelFunc) Close() error {
	return nil
}
