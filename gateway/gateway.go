// Package gateway delivers paid messages to off-chain providers.
package gateway

import (
	"context"
	"slices"
	"sync"

	"github.com/syscall-sdk/relayer/types"
)

// Gateway forwards one delivery to a provider. Implementations report
// provider failures as types.ErrGateway.
type Gateway interface {
	Name() string
	Deliver(ctx context.Context, req *types.DeliveryRequest) (*types.GatewayResult, error)
}

// RequestValidator is implemented by gateways that can reject a request
// before anything is spent on it.
type RequestValidator interface {
	Validate(req *types.DeliveryRequest) error
}

// Registry maps service names, as paid for on-chain, to gateways.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
}

func NewRegistry() *Registry {
	return &Registry{gateways: make(map[string]Gateway)}
}

// Register binds service to gw, replacing an earlier binding.
func (r *Registry) Register(service string, gw Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[service] = gw
}

func (r *Registry) Lookup(service string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gw, ok := r.gateways[service]
	if !ok {
		return nil, types.Errorf(types.ErrCodeUnknownService, "no gateway for service %q", service)
	}
	return gw, nil
}

// Services lists the registered service names in order.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func gatewayError(name, msg string, err error) error {
	return types.NewError(types.ErrCodeGatewayError, name+": "+msg, err)
}
