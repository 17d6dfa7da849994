// Package embedding turns text into fixed-dimension vectors. Three providers
// are available: remote OpenAI and Voyage APIs and a local in-process model.
// A shared-server client amortizes one loaded local model across many
// short-lived client processes over a unix socket.
package embedding

import (
	"context"
)

// Provider generates vector embeddings from text
type Provider interface {
	// Embed returns one vector per input text, in input order. It never
	// fails the batch: texts that could not be embedded resolve to zero
	// vectors so callers can proceed degraded.
	Embed(ctx context.Context, texts []string) [][]float32

	// Dimensions returns the vector size this provider produces
	Dimensions() int

	// Name identifies the provider and model, e.g. "openai/text-embedding-3-small"
	Name() string

	// Ready reports whether the provider can serve without further loading
	Ready() bool

	// Warmup starts any expensive preloading in the background. Idempotent.
	Warmup()

	// Test runs an end-to-end self check and reports success
	Test(ctx context.Context) bool

	// Close releases provider resources
	Close() error
}

// ZeroVectors returns n zero vectors of the given dimension, the degraded
// result shape for a failed batch.
func ZeroVectors(n, dimensions int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, dimensions)
	}
	return out
}

// IsZeroVector reports whether a vector carries no signal
func IsZeroVector(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
