package inference

import (
	"fmt"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	runtimeMu sync.Mutex
	started   bool
)

// Startup initializes the ONNX Runtime environment once per process. An empty
// libPath keeps the library's default search path.
func Startup(libPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if started {
		return nil
	}

	if strings.TrimSpace(libPath) != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime environment: %w", err)
	}
	started = true
	return nil
}

// Shutdown releases the ONNX Runtime environment. Models must be closed first.
func Shutdown() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if !started {
		return nil
	}
	started = false
	if err := ort.DestroyEnvironment(); err != nil {
		return fmt.Errorf("destroy onnxruntime environment: %w", err)
	}
	return nil
}
