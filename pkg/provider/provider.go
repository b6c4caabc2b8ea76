// Package provider implements the Provider Boundary of spec §4.O: the
// narrow interface the Runner uses to invoke provider handlers, and the
// keyed registry that resolves (provider, model, environment) to one.
package provider

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/forgekit/mosaic/pkg/eventlog"
)

// BlobInput carries a produced artifact's payload, either already in memory
// or as a readable path — the runner materializes it to bytes at the last
// possible moment, per spec §9.
type BlobInput struct {
	Bytes    []byte
	Path     string
	MimeType string
}

// Read returns the payload bytes, reading from Path if Bytes is unset.
func (b BlobInput) Read() ([]byte, error) {
	if b.Bytes != nil {
		return b.Bytes, nil
	}
	if b.Path == "" {
		return nil, fmt.Errorf("provider: blob input has neither bytes nor path")
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		return nil, fmt.Errorf("provider: read blob input %s: %w", b.Path, err)
	}
	return data, nil
}

// ArtifactResult is one produced or failed output within an InvokeResult.
type ArtifactResult struct {
	ArtifactID  string
	Status      eventlog.ArtifactStatus
	Blob        *BlobInput
	Diagnostics map[string]any
}

// InvokeRequest is the Runner's call into a Handler, per spec §4.O.
type InvokeRequest struct {
	JobID         string
	ProducerAlias string
	Provider      string
	Model         string
	Revision      string
	LayerIndex    int
	Attempt       int
	Inputs        map[string]any
	Produces      []string
	Extras        map[string]any
	Signal        <-chan struct{}
}

// InvokeResult is a Handler's response to one InvokeRequest.
type InvokeResult struct {
	Status      eventlog.ArtifactStatus
	Artefacts   []ArtifactResult
	Diagnostics map[string]any
}

// Handler is resolved by (provider, model, environment) via Registry and
// invoked once per job.
type Handler interface {
	Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error)
}

// Key identifies one registered handler.
type Key struct {
	Provider    string
	Model       string
	Environment string
}

// Registry is a thread-safe, keyed handler lookup, grounded on the
// teacher's mutex-guarded in-memory module registry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Key]Handler
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Key]Handler)}
}

// Register installs h for the given key, overwriting any prior handler.
func (r *Registry) Register(key Key, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key] = h
}

// Resolve looks up a handler for (provider, model, environment). A
// wildcard model ("*") registration serves as a provider-wide fallback. In
// the "simulated" environment with no handler registered, Resolve returns a
// stub that synthesizes empty-but-typed blobs, per spec §4.O.
func (r *Registry) Resolve(provider, model, environment string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.handlers[Key{provider, model, environment}]; ok {
		return h, nil
	}
	if h, ok := r.handlers[Key{provider, "*", environment}]; ok {
		return h, nil
	}
	if environment == "simulated" {
		return simulatedHandler{}, nil
	}
	return nil, fmt.Errorf("provider: no handler registered for provider=%q model=%q environment=%q", provider, model, environment)
}
