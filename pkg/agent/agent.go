// Package agent is the NATS base shared by mailwatch services. It registers
// the service on startup and publishes heartbeats with its counters.
package agent

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/sekia-ai/mailwatch/pkg/protocol"
)

const defaultHeartbeatInterval = 30 * time.Second

// Config holds connection options for a service.
type Config struct {
	NATSUrl           string
	NATSOpts          []nats.Option
	HeartbeatInterval time.Duration
}

// Agent is the base for all mailwatch services.
type Agent struct {
	Name         string
	InstanceID   string
	Version      string
	Capabilities []string

	nc       *nats.Conn
	logger   zerolog.Logger
	cancel   context.CancelFunc
	interval time.Duration

	processed atomic.Int64
	errors    atomic.Int64
	lastEvent atomic.Value // stores time.Time
}

// Stats is a point-in-time copy of the service counters.
type Stats struct {
	Processed int64
	Errors    int64
	LastEvent time.Time
}

// New creates an Agent, connects to NATS, registers, and starts heartbeating.
func New(cfg Config, name, version string, capabilities []string, logger zerolog.Logger) (*Agent, error) {
	instanceID := uuid.NewString()
	agentLogger := logger.With().Str("service", name).Str("instance", instanceID).Logger()

	// Resilience: infinite reconnect with logging on state changes.
	resilienceOpts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				agentLogger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			agentLogger.Info().Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			agentLogger.Warn().Msg("NATS connection closed")
		}),
	}

	opts := append(resilienceOpts, cfg.NATSOpts...)
	nc, err := nats.Connect(cfg.NATSUrl, opts...)
	if err != nil {
		return nil, err
	}

	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}

	a := &Agent{
		Name:         name,
		InstanceID:   instanceID,
		Version:      version,
		Capabilities: capabilities,
		nc:           nc,
		logger:       agentLogger,
		interval:     interval,
	}
	a.lastEvent.Store(time.Time{})

	if err := a.register(); err != nil {
		nc.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.heartbeatLoop(ctx)

	return a, nil
}

func (a *Agent) register() error {
	reg := protocol.Registration{
		Name:         a.Name,
		InstanceID:   a.InstanceID,
		Version:      a.Version,
		Capabilities: a.Capabilities,
	}
	data, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	return a.nc.Publish(protocol.SubjectRegistry, data)
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.sendHeartbeat()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendHeartbeat()
		}
	}
}

func (a *Agent) sendHeartbeat() {
	s := a.Stats()
	hb := protocol.Heartbeat{
		Name:       a.Name,
		InstanceID: a.InstanceID,
		Status:     "running",
		LastEvent:  s.LastEvent,
		Processed:  s.Processed,
		Errors:     s.Errors,
	}
	data, _ := json.Marshal(hb)
	if err := a.nc.Publish(protocol.SubjectHeartbeat(a.Name), data); err != nil {
		a.logger.Error().Err(err).Msg("failed to send heartbeat")
	}
}

// Conn returns the underlying NATS connection for custom subscriptions.
func (a *Agent) Conn() *nats.Conn { return a.nc }

// RecordEvent increments counters after processing a unit of work.
func (a *Agent) RecordEvent() {
	a.processed.Add(1)
	a.lastEvent.Store(time.Now())
}

// RecordEvents adds n processed units at once.
func (a *Agent) RecordEvents(n int) {
	if n <= 0 {
		return
	}
	a.processed.Add(int64(n))
	a.lastEvent.Store(time.Now())
}

// RecordError increments the error counter.
func (a *Agent) RecordError() {
	a.errors.Add(1)
}

// Stats returns the current counters.
func (a *Agent) Stats() Stats {
	return Stats{
		Processed: a.processed.Load(),
		Errors:    a.errors.Load(),
		LastEvent: a.lastEvent.Load().(time.Time),
	}
}

// Close stops heartbeating and disconnects.
func (a *Agent) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.nc.Drain()
}
