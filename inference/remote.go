/*
	This file implements a patch engine proxied over gorpc, used when the
	model runs in a separate process that owns the compute device.
*/

package inference

import (
	"context"
	"fmt"

	"github.com/blang/semver"
	"github.com/valyala/gorpc"

	"github.com/janelia-flyem/blockflow/blockflow"
)

const (
	// DefaultAddress is the default address of a remote engine server.
	DefaultAddress = "localhost:8002"

	callDescribe = "Describe"
	callApply    = "Apply"
)

// patchRequest carries one patch to the remote engine.
type patchRequest struct {
	Off  [3]int32
	Size [3]int32
	Data []float32
}

// patchResponse carries the transformed patch back.  The spatial offset
// and size are implied by the request.
type patchResponse struct {
	Channels int
	Data     []float32
}

// describeResponse reports the remote engine's fixed properties.
type describeResponse struct {
	Channels       int
	MaskedInDevice bool
}

func init() {
	gorpc.RegisterType(&patchRequest{})
	gorpc.RegisterType(&patchResponse{})
	gorpc.RegisterType(&describeResponse{})

	ver, err := semver.Make("1.0.0")
	if err != nil {
		blockflow.Errorf("Unable to make semver for remote framework: %v\n", err)
	}
	Register(remoteFactory{ver})
}

func newDispatcher(eng Engine) *gorpc.Dispatcher {
	d := gorpc.NewDispatcher()
	d.AddFunc(callDescribe, func() *describeResponse {
		return &describeResponse{
			Channels:       eng.Channels(),
			MaskedInDevice: eng.MaskedInDevice(),
		}
	})
	d.AddFunc(callApply, func(req *patchRequest) (*patchResponse, error) {
		patch, err := blockflow.ChunkFromData(req.Data, req.Off, req.Size)
		if err != nil {
			return nil, err
		}
		out, err := eng.Apply(context.Background(), patch)
		if err != nil {
			return nil, err
		}
		return &patchResponse{Channels: out.Channels, Data: out.Data}, nil
	})
	return d
}

// clientDispatcher mirrors the server-side function table so a func client
// can be created without a live engine.
var clientDispatcher = func() *gorpc.Dispatcher {
	d := gorpc.NewDispatcher()
	d.AddFunc(callDescribe, func() *describeResponse { return &describeResponse{} })
	d.AddFunc(callApply, func(req *patchRequest) (*patchResponse, error) { return &patchResponse{}, nil })
	return d
}()

// Serve hosts the given engine at the address, blocking until the server
// stops.  Run this in the process that owns the compute device.
func Serve(addr string, eng Engine) error {
	s := gorpc.NewTCPServer(addr, newDispatcher(eng).NewHandlerFunc())
	blockflow.Infof("Serving %d-channel patch engine at %s\n", eng.Channels(), addr)
	return s.Serve()
}

type remoteFactory struct {
	semver semver.Version
}

func (f remoteFactory) Name() string            { return "remote" }
func (f remoteFactory) Version() semver.Version { return f.semver }

func (f remoteFactory) New(config Config) (Engine, error) {
	addr := config.Address
	if addr == "" {
		addr = DefaultAddress
	}
	c := gorpc.NewTCPClient(addr)
	c.Start()
	dc := clientDispatcher.NewFuncClient(c)
	resp, err := dc.Call(callDescribe, nil)
	if err != nil {
		c.Stop()
		return nil, fmt.Errorf("can't reach remote engine at %s: %v", addr, err)
	}
	desc, ok := resp.(*describeResponse)
	if !ok {
		c.Stop()
		return nil, fmt.Errorf("remote engine at %s returned %T instead of description", addr, resp)
	}
	return &remoteEngine{
		addr:   addr,
		client: c,
		dc:     dc,
		desc:   *desc,
	}, nil
}

// remoteEngine proxies Apply calls to an engine server.
type remoteEngine struct {
	addr   string
	client *gorpc.Client
	dc     *gorpc.DispatcherClient
	desc   describeResponse
}

func (e *remoteEngine) Channels() int        { return e.desc.Channels }
func (e *remoteEngine) MaskedInDevice() bool { return e.desc.MaskedInDevice }

func (e *remoteEngine) Apply(ctx context.Context, patch *blockflow.Chunk) (*blockflow.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := patchRequest{Off: patch.Off, Size: patch.Size, Data: patch.Data}
	resp, err := e.dc.Call(callApply, &req)
	if err != nil {
		return nil, fmt.Errorf("remote engine at %s: %v", e.addr, err)
	}
	pr, ok := resp.(*patchResponse)
	if !ok {
		return nil, fmt.Errorf("remote engine at %s returned %T instead of patch", e.addr, resp)
	}
	out := blockflow.NewTensor(pr.Channels, patch.Bbox())
	if len(pr.Data) != len(out.Data) {
		return nil, fmt.Errorf("remote engine at %s returned %d samples, expected %d",
			e.addr, len(pr.Data), len(out.Data))
	}
	copy(out.Data, pr.Data)
	return out, nil
}

// Close stops the underlying rpc client.
func (e *remoteEngine) Close() {
	e.client.Stop()
}
