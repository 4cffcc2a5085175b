// Package config defines the already-validated, structured configuration
// surface the rest of the agent subsystem consumes: per-agent transport
// and resilience settings, per-route filter chains. It never parses a
// file itself (an explicit spec non-goal); callers build these values
// however they like and hand them to agentmanager.New. The field
// vocabulary and fluent With* builder style follow the teacher's
// v2/runner.go RunnerConfigV2.
package config

import "time"

// TransportKind selects how a Client dials an agent.
type TransportKind string

const (
	TransportUDS     TransportKind = "uds"
	TransportGRPC    TransportKind = "grpc"
	TransportGRPCTLS TransportKind = "grpc_tls"
)

// FailureMode decides what a dispatch does when an agent cannot be
// reached or times out: fail open (treat as Allow) or fail closed
// (synthesize a block response).
type FailureMode string

const (
	FailOpen   FailureMode = "open"
	FailClosed FailureMode = "closed"
)

// BreakerConfig configures the per-agent circuit breaker.
type BreakerConfig struct {
	FailureThreshold   int
	OpenDuration       time.Duration
	HalfOpenTrialCount int
}

// DefaultBreakerConfig mirrors circuitbreaker.DefaultConfig without
// importing that package, so config stays a leaf dependency.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, OpenDuration: 30 * time.Second, HalfOpenTrialCount: 2}
}

// PoolConfig sizes a connpool.Pool for one agent.
type PoolConfig struct {
	Size                  int
	PingInterval          time.Duration
	UnhealthyAfterFailures int
	PauseWatermarkPct     int
	ResumeWatermarkPct    int
}

// DefaultPoolConfig returns a modest two-connection pool with
// conservative flow-control watermarks.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Size:                   2,
		PingInterval:           10 * time.Second,
		UnhealthyAfterFailures: 3,
		PauseWatermarkPct:      85,
		ResumeWatermarkPct:     60,
	}
}

// AgentConfig is everything needed to dial, pool, and dispatch to one
// logical agent.
type AgentConfig struct {
	ID                 string
	Transport          TransportKind
	SocketPath         string
	GRPCTarget         string
	GRPCCACertPEM      []byte
	GRPCClientCertPEM  []byte
	GRPCClientKeyPEM   []byte
	GRPCServerName     string
	GRPCInsecureSkip   bool
	Timeout            time.Duration
	MaxConcurrentCalls int64
	FailureMode        FailureMode
	Breaker            BreakerConfig
	Pool               PoolConfig
	Handles            []string // event type names this agent processes
}

// NewAgentConfig returns a config with conservative defaults for id.
func NewAgentConfig(id string) AgentConfig {
	return AgentConfig{
		ID:                 id,
		Transport:          TransportUDS,
		Timeout:            5 * time.Second,
		MaxConcurrentCalls: 8,
		FailureMode:        FailOpen,
		Breaker:            DefaultBreakerConfig(),
		Pool:               DefaultPoolConfig(),
	}
}

func (c AgentConfig) WithSocketPath(path string) AgentConfig {
	c.Transport = TransportUDS
	c.SocketPath = path
	return c
}

func (c AgentConfig) WithGRPCTarget(target string) AgentConfig {
	c.Transport = TransportGRPC
	c.GRPCTarget = target
	return c
}

func (c AgentConfig) WithGRPCTLS(target string, caPEM, certPEM, keyPEM []byte, serverName string) AgentConfig {
	c.Transport = TransportGRPCTLS
	c.GRPCTarget = target
	c.GRPCCACertPEM = caPEM
	c.GRPCClientCertPEM = certPEM
	c.GRPCClientKeyPEM = keyPEM
	c.GRPCServerName = serverName
	return c
}

func (c AgentConfig) WithTimeout(d time.Duration) AgentConfig {
	c.Timeout = d
	return c
}

func (c AgentConfig) WithFailureMode(mode FailureMode) AgentConfig {
	c.FailureMode = mode
	return c
}

func (c AgentConfig) WithMaxConcurrentCalls(n int64) AgentConfig {
	c.MaxConcurrentCalls = n
	return c
}

func (c AgentConfig) WithHandles(events ...string) AgentConfig {
	c.Handles = append(append([]string(nil), c.Handles...), events...)
	return c
}

// RouteFilterConfig orders the agents a single route dispatches to, with
// a per-filter failure mode override (falling back to the agent's own
// FailureMode when unset).
type RouteFilterConfig struct {
	RouteID      string
	AgentIDs     []string
	FailureModes map[string]FailureMode
}

// NewRouteFilterConfig builds a route's ordered agent chain.
func NewRouteFilterConfig(routeID string, agentIDs ...string) RouteFilterConfig {
	return RouteFilterConfig{RouteID: routeID, AgentIDs: agentIDs, FailureModes: map[string]FailureMode{}}
}

func (r RouteFilterConfig) WithFailureModeOverride(agentID string, mode FailureMode) RouteFilterConfig {
	merged := make(map[string]FailureMode, len(r.FailureModes)+1)
	for k, v := range r.FailureModes {
		merged[k] = v
	}
	merged[agentID] = mode
	r.FailureModes = merged
	return r
}
