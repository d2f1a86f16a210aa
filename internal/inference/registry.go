package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrRegistryClosed = errors.New("model registry is closed")

// Loader opens a model from a path.
type Loader func(path string) (Model, error)

// ONNXLoader returns a Loader backed by LoadONNXModel.
func ONNXLoader(opts ONNXOptions) Loader {
	return func(path string) (Model, error) {
		return LoadONNXModel(path, opts)
	}
}

// Registry lazily opens the segmentation and style-transfer models on first
// use and keeps them for the life of the process. A failed load is retried on
// the next call.
type Registry struct {
	load Loader

	segmentation lazyModel
	cartoon      lazyModel

	mu     sync.Mutex
	closed bool
}

type lazyModel struct {
	mu    sync.Mutex
	path  string
	model Model
}

func NewRegistry(segmentationPath, cartoonPath string, load Loader) *Registry {
	return &Registry{
		load:         load,
		segmentation: lazyModel{path: segmentationPath},
		cartoon:      lazyModel{path: cartoonPath},
	}
}

func (r *Registry) Segmentation(ctx context.Context) (Model, error) {
	return r.get(ctx, &r.segmentation)
}

func (r *Registry) Cartoon(ctx context.Context) (Model, error) {
	return r.get(ctx, &r.cartoon)
}

// Warm loads both models eagerly.
func (r *Registry) Warm(ctx context.Context) error {
	if _, err := r.Segmentation(ctx); err != nil {
		return err
	}
	_, err := r.Cartoon(ctx)
	return err
}

func (r *Registry) get(ctx context.Context, lm *lazyModel) (Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if r.isClosed() {
		return nil, ErrRegistryClosed
	}
	if lm.model != nil {
		return lm.model, nil
	}

	m, err := r.load(lm.path)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", lm.path, err)
	}
	lm.model = m
	return m, nil
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close releases every loaded model. Later lookups fail with ErrRegistryClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for _, lm := range []*lazyModel{&r.segmentation, &r.cartoon} {
		lm.mu.Lock()
		if lm.model != nil {
			if err := lm.model.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close model %s: %w", lm.path, err))
			}
			lm.model = nil
		}
		lm.mu.Unlock()
	}
	return errors.Join(errs...)
}
