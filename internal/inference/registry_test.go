package inference

import (
	"context"
	"errors"
	"testing"
)

type countingModel struct {
	closed int
}

func (m *countingModel) Run(_ context.Context, in Tensor) (Tensor, error) {
	return in, nil
}

func (m *countingModel) Close() error {
	m.closed++
	return nil
}

func TestRegistryLoadsEachModelOnce(t *testing.T) {
	loads := map[string]int{}
	models := map[string]*countingModel{}
	r := NewRegistry("seg.onnx", "toon.onnx", func(path string) (Model, error) {
		loads[path]++
		m := &countingModel{}
		models[path] = m
		return m, nil
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := r.Segmentation(ctx); err != nil {
			t.Fatalf("segmentation: %v", err)
		}
		if _, err := r.Cartoon(ctx); err != nil {
			t.Fatalf("cartoon: %v", err)
		}
	}

	if loads["seg.onnx"] != 1 || loads["toon.onnx"] != 1 {
		t.Fatalf("expected one load per model, got %v", loads)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if models["seg.onnx"].closed != 1 || models["toon.onnx"].closed != 1 {
		t.Fatal("expected both models to be closed once")
	}
	if _, err := r.Segmentation(ctx); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("expected ErrRegistryClosed, got %v", err)
	}
}

func TestRegistryRetriesFailedLoad(t *testing.T) {
	attempts := 0
	r := NewRegistry("seg.onnx", "toon.onnx", func(path string) (Model, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("file busy")
		}
		return &countingModel{}, nil
	})

	if _, err := r.Segmentation(context.Background()); err == nil {
		t.Fatal("expected first load to fail")
	}
	if _, err := r.Segmentation(context.Background()); err != nil {
		t.Fatalf("expected second load to succeed, got %v", err)
	}
}

func TestNewTensorRejectsWrongLength(t *testing.T) {
	if _, err := NewTensor(make([]float32, 5), 1, 2, 3); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
	tensor, err := NewTensor(make([]float32, 6), 1, 2, 3)
	if err != nil {
		t.Fatalf("new tensor: %v", err)
	}
	if Elements(tensor.Shape) != 6 {
		t.Fatalf("expected 6 elements, got %d", Elements(tensor.Shape))
	}
}
