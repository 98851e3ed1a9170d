package onnx

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
)

// EnvLibPath is consulted when no library path is configured.
const EnvLibPath = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// LibPath picks the onnxruntime shared library: configured path, then the
// environment, then the usual install location for this OS.
func LibPath(configured string) string {
	if configured != "" {
		return configured
	}
	if p := os.Getenv(EnvLibPath); p != "" {
		return p
	}
	switch runtime.GOOS {
	case "linux":
		return "/usr/local/lib/libonnxruntime.so"
	case "darwin":
		return "/usr/local/lib/libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return ""
	}
}

// InitEnvironment loads the shared library and initializes the runtime. It
// must precede NewClassifier and be paired with DestroyEnvironment.
func InitEnvironment(configuredLib string) error {
	if ort.IsInitialized() {
		return nil
	}
	path := LibPath(configuredLib)
	if path == "" {
		return fmt.Errorf("ONNX Runtime library path could not be determined for %s", runtime.GOOS)
	}
	slog.Info("Using ONNX Runtime library", slog.String("path", path))
	ort.SetSharedLibraryPath(path)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
	}
	return nil
}

func DestroyEnvironment() {
	if !ort.IsInitialized() {
		return
	}
	if err := ort.DestroyEnvironment(); err != nil {
		slog.Error("Failed to destroy ONNX Runtime environment", slog.String("error", err.Error()))
	}
}
