package reqcontext

import (
	"testing"

	"github.com/zentinelproxy/zentinel/config"
)

type fakeRouteLookup map[string]config.RouteFilterConfig

func (f fakeRouteLookup) RouteFilter(routeID string) (config.RouteFilterConfig, bool) {
	filter, ok := f[routeID]
	return filter, ok
}

func TestRouteAgentsFromFilterAppliesPerAgentOverrides(t *testing.T) {
	filter := config.NewRouteFilterConfig("r1", "a1", "a2").WithFailureModeOverride("a2", config.FailClosed)

	agents := RouteAgentsFromFilter(filter)
	if len(agents) != 2 {
		t.Fatalf("expected 2 route agents, got %d", len(agents))
	}
	if agents[0].AgentID != "a1" || agents[0].FailureMode != "" {
		t.Fatalf("expected a1 with no override, got %+v", agents[0])
	}
	if agents[1].AgentID != "a2" || agents[1].FailureMode != config.FailClosed {
		t.Fatalf("expected a2 overridden to FailClosed, got %+v", agents[1])
	}
}

func TestFromRouteBuildsContextFromLookup(t *testing.T) {
	lookup := fakeRouteLookup{
		"r1": config.NewRouteFilterConfig("r1", "a1"),
	}

	ctx, ok := FromRoute(lookup, "corr-1", "req-1", "r1", "00-trace-00")
	if !ok {
		t.Fatalf("expected route to be found")
	}
	if ctx.CorrelationID != "corr-1" || ctx.RequestID != "req-1" || ctx.RouteID != "r1" || ctx.Traceparent != "00-trace-00" {
		t.Fatalf("unexpected context fields: %+v", ctx)
	}
	if len(ctx.RouteAgents) != 1 || ctx.RouteAgents[0].AgentID != "a1" {
		t.Fatalf("expected route agents from filter, got %+v", ctx.RouteAgents)
	}
}

func TestFromRouteUnknownRouteReturnsEmptyChain(t *testing.T) {
	lookup := fakeRouteLookup{}

	ctx, ok := FromRoute(lookup, "corr-2", "req-2", "unknown", "")
	if ok {
		t.Fatalf("expected unknown route to report not-found")
	}
	if ctx.RouteID != "unknown" || len(ctx.RouteAgents) != 0 {
		t.Fatalf("expected empty agent chain for unknown route, got %+v", ctx)
	}
}
