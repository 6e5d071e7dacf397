// Package testutil provides shared skip helpers and fixtures for
// integration tests.
//
// Each helper calls t.Skip with a clear human-readable reason when the named
// prerequisite is absent, so integration tests remain runnable in partial
// environments without failing noisily.
package testutil

import (
	"math"
	"os"
	"testing"
)

// RequireONNXRuntime skips the test if no ONNX Runtime shared library can be
// located. It checks (in order): the ORT_LIBRARY_PATH env var, then the
// XTTS_ORT_LIB env var, then common system library paths.
func RequireONNXRuntime(tb testing.TB) {
	tb.Helper()

	for _, env := range []string{"ORT_LIBRARY_PATH", "XTTS_ORT_LIB"} {
		if p := os.Getenv(env); p != "" {
			_, err := os.Stat(p)
			if err == nil {
				return // found
			}

			tb.Skipf("ONNX Runtime library not found at %s=%q", env, p)
		}
	}
	// Fall back to common system locations.
	candidates := []string{
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	}
	for _, p := range candidates {
		_, err := os.Stat(p)
		if err == nil {
			return // found
		}
	}

	tb.Skip("ONNX Runtime shared library not found; set ORT_LIBRARY_PATH or XTTS_ORT_LIB")
}

// RequireModelDir skips the test unless XTTS_MODEL_DIR points at a directory
// containing a full model checkpoint and ONNX bundle.
func RequireModelDir(tb testing.TB) string {
	tb.Helper()

	dir := os.Getenv("XTTS_MODEL_DIR")
	if dir == "" {
		tb.Skip("XTTS_MODEL_DIR not set; skipping model-dependent test")
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		tb.Skipf("model directory %q not usable: %v", dir, err)
	}

	return dir
}

// Sine generates n samples of a sine tone, handy as a deterministic stand-in
// for reference audio.
func Sine(n int, freq float64, rate int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}
