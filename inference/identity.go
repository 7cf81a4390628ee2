package inference

import (
	"context"
	"fmt"

	"github.com/blang/semver"

	"github.com/janelia-flyem/blockflow/blockflow"
)

func init() {
	ver, err := semver.Make("1.0.0")
	if err != nil {
		blockflow.Errorf("Unable to make semver for identity framework: %v\n", err)
	}
	Register(identityFactory{ver})
}

type identityFactory struct {
	semver semver.Version
}

func (f identityFactory) Name() string            { return "identity" }
func (f identityFactory) Version() semver.Version { return f.semver }

func (f identityFactory) New(config Config) (Engine, error) {
	if config.Channels < 1 {
		return nil, fmt.Errorf("identity framework needs at least 1 output channel, got %d", config.Channels)
	}
	return &identityEngine{channels: config.Channels}, nil
}

// identityEngine broadcasts the input patch to every output channel.  It
// exists for smoke tests and pipeline dry runs where no trained model is
// wanted.
type identityEngine struct {
	channels int
}

func (e *identityEngine) Channels() int        { return e.channels }
func (e *identityEngine) MaskedInDevice() bool { return false }

func (e *identityEngine) Apply(ctx context.Context, patch *blockflow.Chunk) (*blockflow.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := blockflow.NewTensor(e.channels, patch.Bbox())
	for c := 0; c < e.channels; c++ {
		copy(out.Channel(c).Data, patch.Data)
	}
	return out, nil
}
