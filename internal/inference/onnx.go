package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

type ONNXOptions struct {
	IntraOpThreads int
}

// ONNXModel runs a single-input, single-output float32 graph. Input dimensions
// may vary between calls.
type ONNXModel struct {
	path       string
	inputName  string
	outputName string

	mu      sync.RWMutex
	session *ort.DynamicAdvancedSession
}

func LoadONNXModel(path string, opts ONNXOptions) (*ONNXModel, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("inspect model %s: %w", path, err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("model %s declares %d inputs and %d outputs", path, len(inputs), len(outputs))
	}

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer sessionOpts.Destroy()

	if opts.IntraOpThreads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("set intra-op threads: %w", err)
		}
	}

	inputName, outputName := inputs[0].Name, outputs[0].Name
	session, err := ort.NewDynamicAdvancedSession(path, []string{inputName}, []string{outputName}, sessionOpts)
	if err != nil {
		return nil, fmt.Errorf("create session for %s: %w", path, err)
	}

	return &ONNXModel{
		path:       path,
		inputName:  inputName,
		outputName: outputName,
		session:    session,
	}, nil
}

func (m *ONNXModel) Path() string {
	return m.path
}

func (m *ONNXModel) Run(ctx context.Context, input Tensor) (Tensor, error) {
	if err := ctx.Err(); err != nil {
		return Tensor{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return Tensor{}, errors.New("model is closed")
	}

	in, err := ort.NewTensor(ort.NewShape(input.Shape...), input.Data)
	if err != nil {
		return Tensor{}, fmt.Errorf("create input tensor %s: %w", m.inputName, err)
	}
	defer in.Destroy()

	outputs := []ort.ArbitraryTensor{nil}
	if err := m.session.Run([]ort.ArbitraryTensor{in}, outputs); err != nil {
		return Tensor{}, fmt.Errorf("run %s: %w", m.path, err)
	}
	if outputs[0] == nil {
		return Tensor{}, fmt.Errorf("run %s: no output %s", m.path, m.outputName)
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return Tensor{}, fmt.Errorf("output %s is not a float32 tensor", m.outputName)
	}

	// The runtime owns the output buffer until Destroy.
	data := make([]float32, len(out.GetData()))
	copy(data, out.GetData())
	return Tensor{Shape: []int64(out.GetShape()), Data: data}, nil
}

func (m *ONNXModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	return err
}
