package shard

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Role identifies which backend a connection belongs to in the
// connection-state registry.
type Role string

const (
	RoleUVE   Role = "redis-uve"
	RoleQuery Role = "redis-query"
)

// Status of a single (role, addr) connection slot.
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// ConnState is one entry of the process-wide connection-state registry.
type ConnState struct {
	Role    Role   `json:"role"`
	Addr    string `json:"addr"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Registry is the process-wide connection-state registry. There is one slot
// per (role, shard-addr); clients update their slot on every transition.
type Registry struct {
	mtx   sync.Mutex
	slots map[string]ConnState

	stateGauge *prometheus.GaugeVec
}

func NewRegistry(reg prometheus.Registerer) *Registry {
	return &Registry{
		slots: map[string]ConnState{},
		stateGauge: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "opserver",
			Name:      "connection_up",
			Help:      "State of each backend connection (1=UP, 0=DOWN).",
		}, []string{"role", "addr"}),
	}
}

func (r *Registry) Update(role Role, addr string, status Status, message string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	key := string(role) + "/" + addr
	prev, ok := r.slots[key]
	if ok && prev.Status == status && prev.Message == message {
		return
	}
	r.slots[key] = ConnState{Role: role, Addr: addr, Status: status, Message: message}

	val := 0.0
	if status == StatusUp {
		val = 1.0
	}
	r.stateGauge.WithLabelValues(string(role), addr).Set(val)
}

func (r *Registry) Forget(role Role, addr string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	delete(r.slots, string(role)+"/"+addr)
	r.stateGauge.DeleteLabelValues(string(role), addr)
}

// Snapshot returns a copy of every slot, for the introspection endpoint.
func (r *Registry) Snapshot() []ConnState {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	states := make([]ConnState, 0, len(r.slots))
	for _, s := range r.slots {
		states = append(states, s)
	}
	return states
}
