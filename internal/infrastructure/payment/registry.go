package payment

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownGateway is returned when no adapter is registered under a name.
var ErrUnknownGateway = errors.New("unknown gateway")

// Info is static per-gateway configuration.
type Info struct {
	// Manual gateways settle offline; their authorizations don't count as paid.
	Manual bool `koanf:"manual"`
	// AsyncNotification marks gateways that confirm operations by notification.
	AsyncNotification bool `koanf:"async_notification"`
	// TokenKey is the data key carrying a card token, if not "token".
	TokenKey string `koanf:"token_key"`
}

// Factory resolves gateway adapters by name.
type Factory interface {
	Gateway(name string) (Gateway, error)
}

// Registry is the default Factory: a named set of adapters plus their Info.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
	info     map[string]Info
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		gateways: make(map[string]Gateway),
		info:     make(map[string]Info),
	}
}

// Register adds or replaces the adapter under gw.Name().
func (r *Registry) Register(gw Gateway, info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[gw.Name()] = gw
	r.info[gw.Name()] = info
}

// Gateway returns the adapter registered under name.
func (r *Registry) Gateway(name string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gw, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGateway, name)
	}
	return gw, nil
}

// Info returns the static configuration of a gateway.
func (r *Registry) Info(name string) Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.info[name]
}

// TokenKey returns the data key holding a card token for the gateway.
func (r *Registry) TokenKey(name string) string {
	if k := r.Info(name).TokenKey; k != "" {
		return k
	}
	return ParamToken
}

// Names lists the registered gateways, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
