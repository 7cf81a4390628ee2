/*
Package inference defines the pluggable per-patch transform and the
registry used to select an implementation by name.  Every engine maps a
single-channel patch to a fixed number of output channels over the same
spatial extent; the several backends differ only in where the computation
happens and whether the returned patch has already been tapered on the
device.
*/
package inference

import (
	"context"
	"fmt"
	"sync"

	"github.com/blang/semver"

	"github.com/janelia-flyem/blockflow/blockflow"
)

// Engine is a per-patch transform.  Implementations must be deterministic
// and side-effect free from the caller's perspective, and must accept any
// patch whose spatial shape equals the configured patch size.
type Engine interface {
	// Apply runs the transform on one patch, returning a tensor with the
	// same spatial offset and size as the input.
	Apply(ctx context.Context, patch *blockflow.Chunk) (*blockflow.Tensor, error)

	// Channels returns the number of output channels per voxel.
	Channels() int

	// MaskedInDevice returns true if the engine tapers its own output
	// toward the patch boundary before returning, in which case the host
	// skips its own reweighting of the patch.
	MaskedInDevice() bool
}

// Config selects and parameterizes an engine.
type Config struct {
	// Framework names the registered engine implementation.
	Framework string

	// Channels is the number of output channels the engine should produce.
	Channels int

	// Address is the TCP address of a remote engine server, if any.
	Address string

	// PatchSize is the fixed spatial shape of every patch (z, y, x).
	PatchSize blockflow.Point3d

	// Overlap is the repeated portion between adjacent patches, passed to
	// engines that taper in device.
	Overlap blockflow.Point3d
}

// Factory makes engines of one registered framework.
type Factory interface {
	Name() string
	Version() semver.Version
	New(config Config) (Engine, error)
}

var (
	factories   map[string]Factory
	factoriesMu sync.RWMutex
)

// Register makes a framework available for selection by name.  Meant to be
// called from implementation init functions.
func Register(f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if factories == nil {
		factories = make(map[string]Factory)
	}
	factories[f.Name()] = f
	blockflow.Infof("Registered inference framework %q [%s]\n", f.Name(), f.Version())
}

// NewEngine returns an engine for the framework named in the config.
func NewEngine(config Config) (Engine, error) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, found := factories[config.Framework]
	if !found {
		return nil, fmt.Errorf("invalid inference framework: %q", config.Framework)
	}
	return f.New(config)
}

// Frameworks returns the names of all registered frameworks.
func Frameworks() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	return names
}

// CheckShape verifies that an engine returned a tensor of the expected
// shape for the given input patch.
func CheckShape(patch *blockflow.Chunk, out *blockflow.Tensor, channels int) error {
	if out == nil {
		return fmt.Errorf("engine returned nil tensor")
	}
	if out.Channels != channels {
		return fmt.Errorf("engine returned %d channels, expected %d", out.Channels, channels)
	}
	if !out.Off.Equals(patch.Off) || !out.Size.Equals(patch.Size) {
		return fmt.Errorf("engine returned tensor %s for patch %s", out.Bbox(), patch.Bbox())
	}
	return nil
}
