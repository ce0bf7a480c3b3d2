package runtime

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/drblury/outrigger/internal/runtime/actors"
	"github.com/drblury/outrigger/internal/runtime/api"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	"github.com/drblury/outrigger/internal/runtime/rpc"
)

// peerDial opens the channel to another sidecar. Tests replace it with a
// loopback.
var peerDial = func(address string) (rpc.Channel, error) {
	return rpc.NewHTTPChannel(address, nil)
}

// peerSet caches one client per remote sidecar address.
type peerSet struct {
	opts []rpc.ClientOption

	mu      sync.Mutex
	clients map[string]*rpc.Client
}

func newPeerSet(opts ...rpc.ClientOption) *peerSet {
	return &peerSet{opts: opts, clients: make(map[string]*rpc.Client)}
}

func (p *peerSet) client(address string) (*rpc.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[address]; ok {
		return c, nil
	}
	ch, err := peerDial(address)
	if err != nil {
		return nil, errspkg.BackendUnavailable("peers.dial", err).WithComponent(address)
	}
	c := rpc.NewClient(ch, p.opts...)
	p.clients[address] = c
	return c, nil
}

// Addresses lists the dialed peers, sorted.
func (p *peerSet) Addresses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.clients))
	for addr := range p.clients {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func (p *peerSet) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	for addr, c := range p.clients {
		err = errors.Join(err, c.Close())
		delete(p.clients, addr)
	}
	return err
}

// ForwardActor implements actors.Forwarder over the actors capability of the
// owning sidecar.
func (p *peerSet) ForwardActor(ctx context.Context, host string, call actors.Call) (actors.Response, error) {
	c, err := p.client(host)
	if err != nil {
		return actors.Response{}, err
	}
	var resp actors.Response
	_, err = c.Invoke(ctx, rpc.CapabilityActors, api.OpInvokeActor, api.InvokeActorRequest{
		Ref:      call.Ref,
		Kind:     call.Kind,
		Method:   call.Name,
		Data:     call.Data,
		Metadata: call.Metadata,
	}, &resp, call.Metadata)
	return resp, err
}

// invokeRemote forwards a service invocation to the sidecar of req.AppID.
func (p *peerSet) invokeRemote(ctx context.Context, address string, req api.InvokeRequest) (api.InvokeResponse, error) {
	c, err := p.client(address)
	if err != nil {
		return api.InvokeResponse{}, err
	}
	var resp api.InvokeResponse
	_, err = c.Invoke(ctx, rpc.CapabilityInvoke, api.OpInvokeMethod, req, &resp, req.Metadata)
	return resp, err
}
