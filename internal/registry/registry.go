// Package registry tracks mailwatch service instances from their
// registration and heartbeat messages.
package registry

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/sekia-ai/mailwatch/pkg/protocol"
)

// DefaultStaleAfter marks an instance stale after three missed heartbeats.
const DefaultStaleAfter = 90 * time.Second

type instanceState struct {
	Registration  protocol.Registration
	RegisteredAt  time.Time
	LastHeartbeat protocol.Heartbeat
	LastSeen      time.Time
}

// Registry tracks service instances, keyed by instance id.
type Registry struct {
	mu         sync.RWMutex
	instances  map[string]*instanceState
	staleAfter time.Duration
	now        func() time.Time
	logger     zerolog.Logger
	subs       []*nats.Subscription
}

// New creates a Registry and subscribes to registration and heartbeat
// subjects on nc.
func New(nc *nats.Conn, staleAfter time.Duration, logger zerolog.Logger) (*Registry, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	r := &Registry{
		instances:  make(map[string]*instanceState),
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger.With().Str("component", "registry").Logger(),
	}

	regSub, err := nc.Subscribe(protocol.SubjectRegistry, r.handleRegistration)
	if err != nil {
		return nil, err
	}
	hbSub, err := nc.Subscribe(protocol.SubjectHeartbeatAll, r.handleHeartbeat)
	if err != nil {
		regSub.Unsubscribe()
		return nil, err
	}
	r.subs = []*nats.Subscription{regSub, hbSub}
	return r, nil
}

func (r *Registry) handleRegistration(msg *nats.Msg) {
	var reg protocol.Registration
	if err := json.Unmarshal(msg.Data, &reg); err != nil {
		r.logger.Error().Err(err).Msg("bad registration message")
		return
	}
	r.Register(reg)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.logger.Error().Err(err).Msg("bad heartbeat message")
		return
	}
	r.Observe(hb)
}

// Register records a registration.
func (r *Registry) Register(reg protocol.Registration) {
	now := r.now()
	r.mu.Lock()
	if existing, ok := r.instances[reg.InstanceID]; ok {
		existing.Registration = reg
		existing.LastSeen = now
	} else {
		r.instances[reg.InstanceID] = &instanceState{
			Registration: reg,
			RegisteredAt: now,
			LastSeen:     now,
		}
	}
	r.mu.Unlock()
	r.logger.Info().Str("service", reg.Name).Str("instance", reg.InstanceID).Str("version", reg.Version).Msg("service registered")
}

// Observe records a heartbeat. Heartbeats from instances that registered
// before this registry started are accepted.
func (r *Registry) Observe(hb protocol.Heartbeat) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.instances[hb.InstanceID]; ok {
		state.LastHeartbeat = hb
		state.LastSeen = now
		return
	}
	r.instances[hb.InstanceID] = &instanceState{
		Registration:  protocol.Registration{Name: hb.Name, InstanceID: hb.InstanceID},
		RegisteredAt:  now,
		LastHeartbeat: hb,
		LastSeen:      now,
	}
}

// Services returns a snapshot sorted by service name.
func (r *Registry) Services() []protocol.ServiceInfo {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]protocol.ServiceInfo, 0, len(r.instances))
	for _, s := range r.instances {
		status := "unknown"
		if s.LastHeartbeat.Status != "" {
			status = s.LastHeartbeat.Status
		}
		if now.Sub(s.LastSeen) > r.staleAfter {
			status = "stale"
		}
		result = append(result, protocol.ServiceInfo{
			Name:          s.Registration.Name,
			InstanceID:    s.Registration.InstanceID,
			Version:       s.Registration.Version,
			Status:        status,
			Capabilities:  s.Registration.Capabilities,
			RegisteredAt:  s.RegisteredAt,
			LastHeartbeat: s.LastSeen,
			Processed:     s.LastHeartbeat.Processed,
			Errors:        s.LastHeartbeat.Errors,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].InstanceID < result[j].InstanceID
	})
	return result
}

// Count returns the number of known instances.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// Close unsubscribes from NATS.
func (r *Registry) Close() {
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
}
