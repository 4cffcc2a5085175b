// Package agenthandle binds one agent's config.AgentConfig to its
// connection pool, circuit breaker, and declared capability set. A
// Handle is the unit agentmanager dispatches through; it never talks to
// a transport directly, everything goes through connpool.Pool. The
// capability vocabulary (HandlesEvent, HasFeature) follows
// the teacher's v2/capabilities.go fluent AgentCapabilities builder,
// re-scoped from "what this agent process itself can do" to "what this
// proxy-side handle was told an agent supports" at configure time.
package agenthandle

import (
	"context"

	"github.com/zentinelproxy/zentinel/agentclient"
	"github.com/zentinelproxy/zentinel/circuitbreaker"
	"github.com/zentinelproxy/zentinel/config"
	"github.com/zentinelproxy/zentinel/connpool"
	"github.com/zentinelproxy/zentinel/protocol"
	"github.com/zentinelproxy/zentinel/protocolmetrics"
)

// Capabilities records what an agent declared it handles during
// handshake, plus arbitrary named feature flags it advertised.
type Capabilities struct {
	events   map[protocol.EventType]bool
	streams  bool
	features map[string]bool
}

// NewCapabilities builds a Capabilities from the handled event names in
// an AgentConfig plus the streaming flag and feature list reported in a
// handshake's AgentCapabilityDescriptor.
func NewCapabilities(handles []string, supportsStreaming bool, features []string) Capabilities {
	c := Capabilities{events: map[protocol.EventType]bool{}, streams: supportsStreaming, features: map[string]bool{}}
	for _, h := range handles {
		c.events[protocol.EventType(h)] = true
	}
	for _, f := range features {
		c.features[f] = true
	}
	return c
}

// HandlesEvent reports whether the agent should be dispatched this
// event kind.
func (c Capabilities) HandlesEvent(kind protocol.EventType) bool {
	return c.events[kind]
}

// SupportsStreaming reports whether the agent can receive body/frame
// chunks as they arrive rather than only whole-message events.
func (c Capabilities) SupportsStreaming() bool { return c.streams }

// HasFeature reports whether the agent advertised an arbitrary named
// feature (teacher's v2/capabilities.go WithFeature vocabulary).
func (c Capabilities) HasFeature(name string) bool { return c.features[name] }

// Handle is everything agentmanager needs to dispatch to one logical
// agent: its pool, its breaker, its capabilities, and its config (for
// failure mode and dispatch timeout).
type Handle struct {
	Config       config.AgentConfig
	Pool         *connpool.Pool
	Breaker      *circuitbreaker.Breaker
	Capabilities Capabilities
}

// New dials an agent's pool, starts its breaker, and assembles a
// Handle. The capability set starts from Config.Handles; callers
// should replace it with NewCapabilities built from the handshake
// response once the first pool connection completes, via
// SetCapabilities.
func New(ctx context.Context, cfg config.AgentConfig, metrics *protocolmetrics.Metrics) (*Handle, error) {
	dial := dialerFor(cfg)
	pool, err := connpool.New(ctx, cfg.ID, cfg.Pool, dial, metrics)
	if err != nil {
		return nil, err
	}

	breakerCfg := circuitbreaker.Config{
		FailureThreshold:   cfg.Breaker.FailureThreshold,
		OpenDuration:       cfg.Breaker.OpenDuration,
		HalfOpenTrialCount: cfg.Breaker.HalfOpenTrialCount,
	}

	h := &Handle{
		Config:       cfg,
		Pool:         pool,
		Breaker:      circuitbreaker.New(breakerCfg),
		Capabilities: NewCapabilities(cfg.Handles, false, nil),
	}
	return h, nil
}

// SetCapabilities replaces the handle's capability set, typically once
// a handshake response with an AgentCapabilityDescriptor is available.
func (h *Handle) SetCapabilities(c Capabilities) { h.Capabilities = c }

// Close tears down the handle's pool.
func (h *Handle) Close() error { return h.Pool.Close() }

func dialerFor(cfg config.AgentConfig) connpool.Dialer {
	return func(ctx context.Context) (*agentclient.Client, error) {
		switch cfg.Transport {
		case config.TransportGRPC:
			return agentclient.DialGRPC(ctx, cfg.ID, cfg.GRPCTarget, cfg.Timeout)
		case config.TransportGRPCTLS:
			tlsCfg := agentclient.NewGrpcTLSConfig()
			if len(cfg.GRPCCACertPEM) > 0 {
				tlsCfg = tlsCfg.WithCACertPEM(cfg.GRPCCACertPEM)
			}
			if len(cfg.GRPCClientCertPEM) > 0 {
				tlsCfg = tlsCfg.WithClientIdentity(cfg.GRPCClientCertPEM, cfg.GRPCClientKeyPEM)
			}
			if cfg.GRPCServerName != "" {
				tlsCfg = tlsCfg.WithServerNameOverride(cfg.GRPCServerName)
			}
			if cfg.GRPCInsecureSkip {
				tlsCfg = tlsCfg.WithInsecureSkipVerify()
			}
			return agentclient.DialGRPCTLS(ctx, cfg.ID, cfg.GRPCTarget, cfg.Timeout, tlsCfg)
		default:
			return agentclient.DialUnix(ctx, cfg.ID, cfg.SocketPath, cfg.Timeout)
		}
	}
}
