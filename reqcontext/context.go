// Package reqcontext holds per-request bookkeeping that must survive
// across the many separate agent calls a single HTTP request or
// WebSocket connection makes during its lifecycle: the correlation id
// agents use to tie related events together, the matched route and its
// ordered agent chain, and running streaming-body counters. Generalized
// from the teacher's request.go, which wraps a single event payload for
// one agent call — here the same accessor-style ergonomics cover a
// proxy-held object that outlives any one call.
package reqcontext

import (
	"github.com/zentinelproxy/zentinel/agentmanager"
	"github.com/zentinelproxy/zentinel/config"
)

// Context is the per-request state threaded alongside every lifecycle
// event dispatched for one HTTP request or WebSocket connection.
type Context struct {
	CorrelationID string
	RequestID     string
	RouteID       string
	Traceparent   string
	RouteAgents   []agentmanager.RouteAgent
}

// New builds a Context for a request. traceparent is passed through
// unmodified, per the W3C trace-context requirement — reqcontext never
// generates, rewrites, or validates it.
func New(correlationID, requestID, routeID, traceparent string, routeAgents []agentmanager.RouteAgent) *Context {
	return &Context{
		CorrelationID: correlationID,
		RequestID:     requestID,
		RouteID:       routeID,
		Traceparent:   traceparent,
		RouteAgents:   routeAgents,
	}
}

// RouteAgentsFromFilter converts a route's configured filter chain into
// the ordered RouteAgent slice agentmanager dispatch expects. An unset
// per-agent failure-mode override in filter.FailureModes falls through
// to the agent's own configured default at dispatch time.
func RouteAgentsFromFilter(filter config.RouteFilterConfig) []agentmanager.RouteAgent {
	agents := make([]agentmanager.RouteAgent, 0, len(filter.AgentIDs))
	for _, id := range filter.AgentIDs {
		agents = append(agents, agentmanager.RouteAgent{AgentID: id, FailureMode: filter.FailureModes[id]})
	}
	return agents
}

// RouteLookup resolves a route id to its filter config. Implemented by
// whatever owns the full route table; reqcontext only ever needs
// read access to build a Context for an incoming request.
type RouteLookup interface {
	RouteFilter(routeID string) (config.RouteFilterConfig, bool)
}

// FromRoute builds a Context for routeID by resolving its filter chain
// through lookup. Returns false if routeID is unknown, in which case
// callers should treat the request as having no agent chain rather
// than failing closed — route lookup failure is a routing concern, not
// an agent-subsystem one.
func FromRoute(lookup RouteLookup, correlationID, requestID, routeID, traceparent string) (*Context, bool) {
	filter, ok := lookup.RouteFilter(routeID)
	if !ok {
		return New(correlationID, requestID, routeID, traceparent, nil), false
	}
	return New(correlationID, requestID, routeID, traceparent, RouteAgentsFromFilter(filter)), true
}
