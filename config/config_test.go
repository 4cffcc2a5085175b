package config

import "testing"

func TestAgentConfigBuilders(t *testing.T) {
	c := NewAgentConfig("pii-scanner").
		WithSocketPath("/tmp/agent.sock").
		WithTimeout(0).
		WithFailureMode(FailClosed).
		WithMaxConcurrentCalls(16).
		WithHandles("request_headers", "response_headers")

	if c.Transport != TransportUDS || c.SocketPath != "/tmp/agent.sock" {
		t.Fatalf("expected UDS transport with socket path set: %+v", c)
	}
	if c.FailureMode != FailClosed {
		t.Fatalf("expected fail closed, got %v", c.FailureMode)
	}
	if c.MaxConcurrentCalls != 16 {
		t.Fatalf("expected 16 max concurrent calls, got %d", c.MaxConcurrentCalls)
	}
	if len(c.Handles) != 2 {
		t.Fatalf("expected 2 handled events, got %v", c.Handles)
	}
}

func TestAgentConfigGRPCTLSBuilder(t *testing.T) {
	c := NewAgentConfig("remote-agent").WithGRPCTLS("https://agent:50051", []byte("ca"), []byte("cert"), []byte("key"), "agent.internal")
	if c.Transport != TransportGRPCTLS {
		t.Fatalf("expected grpc_tls transport, got %v", c.Transport)
	}
	if c.GRPCServerName != "agent.internal" {
		t.Fatalf("expected server name override, got %q", c.GRPCServerName)
	}
}

func TestRouteFilterConfigOverridesAccumulate(t *testing.T) {
	r := NewRouteFilterConfig("route-1", "a", "b", "c").
		WithFailureModeOverride("a", FailClosed).
		WithFailureModeOverride("b", FailOpen)

	if len(r.AgentIDs) != 3 {
		t.Fatalf("expected 3 agent ids, got %v", r.AgentIDs)
	}
	if r.FailureModes["a"] != FailClosed {
		t.Fatalf("expected override for a to persist, got %v", r.FailureModes)
	}
	if r.FailureModes["b"] != FailOpen {
		t.Fatalf("expected override for b to persist, got %v", r.FailureModes)
	}
}
