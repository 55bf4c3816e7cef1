package materializer

import (
	"sync"

	"github.com/cuemby/dozer/pkg/metrics"
)

// Materializer owns the set of endpoints a pipeline exposes over REST and
// gRPC query frontends.
type Materializer struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

// New builds an empty Materializer; endpoints are registered as their
// tailing task starts via Register.
func New() *Materializer {
	return &Materializer{endpoints: make(map[string]*Endpoint)}
}

// Register adds ep, keyed by its Name.
func (m *Materializer) Register(ep *Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints[ep.Name] = ep
	metrics.EndpointsTotal.Set(float64(len(m.endpoints)))
}

// Endpoint looks up a registered endpoint by name.
func (m *Materializer) Endpoint(name string) (*Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.endpoints[name]
	return ep, ok
}

// Endpoints returns every registered endpoint's name, for GetEndpoints.
func (m *Materializer) Endpoints() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.endpoints))
	for name := range m.endpoints {
		out = append(out, name)
	}
	return out
}
