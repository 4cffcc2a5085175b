package agentclient

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zentinelproxy/zentinel/protocol"
	"github.com/zentinelproxy/zentinel/zerr"
)

func TestExtractDomainHTTPS(t *testing.T) {
	cases := map[string]string{
		"https://example.com:443":     "example.com",
		"https://agent.internal:50051": "agent.internal",
		"https://localhost:8080/path":  "localhost",
	}
	for in, want := range cases {
		got, ok := extractDomain(in)
		if !ok || got != want {
			t.Fatalf("extractDomain(%q) = (%q, %v), want (%q, true)", in, got, ok, want)
		}
	}
}

func TestExtractDomainHTTP(t *testing.T) {
	cases := map[string]string{
		"http://example.com:8080": "example.com",
		"http://localhost:50051":  "localhost",
	}
	for in, want := range cases {
		got, ok := extractDomain(in)
		if !ok || got != want {
			t.Fatalf("extractDomain(%q) = (%q, %v), want (%q, true)", in, got, ok, want)
		}
	}
}

func TestExtractDomainInvalid(t *testing.T) {
	for _, in := range []string{"example.com:443", "tcp://example.com:443", ""} {
		if _, ok := extractDomain(in); ok {
			t.Fatalf("extractDomain(%q) expected no match", in)
		}
	}
}

func TestGrpcTLSConfigBuilder(t *testing.T) {
	cfg := NewGrpcTLSConfig().
		WithCACertPEM([]byte("test-ca-cert")).
		WithClientIdentity([]byte("test-cert"), []byte("test-key")).
		WithServerNameOverride("example.com")

	if cfg.CACertPEM == nil || cfg.ClientCertPEM == nil || cfg.ClientKeyPEM == nil {
		t.Fatalf("expected all cert fields set: %+v", cfg)
	}
	if cfg.ServerNameOverride != "example.com" {
		t.Fatalf("expected server name override, got %q", cfg.ServerNameOverride)
	}
	if cfg.InsecureSkipVerify {
		t.Fatalf("expected insecure skip verify to default false")
	}
}

func TestGrpcTLSConfigInsecure(t *testing.T) {
	cfg := NewGrpcTLSConfig().WithInsecureSkipVerify()
	if !cfg.InsecureSkipVerify {
		t.Fatalf("expected insecure skip verify set")
	}
	if cfg.CACertPEM != nil {
		t.Fatalf("expected no CA cert set")
	}
}

// fakeAgent is a minimal Unix-socket agent used to exercise Client's
// handshake and SendEvent logic end to end without a real agent process.
func fakeAgent(t *testing.T, path string, encoding protocol.Encoding, handle func(protocol.EventType, []byte) protocol.AgentResponse) net.Listener {
	t.Helper()
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		msgType, body, err := protocol.ReadFrame(conn)
		if err != nil || msgType != protocol.MsgHandshakeRequest {
			return
		}
		var req protocol.HandshakeRequest
		_ = protocol.Unmarshal(protocol.EncodingJSON, body, &req)

		resp := protocol.HandshakeResponse{
			ProtocolVersion: protocol.ProtocolVersion,
			Success:         true,
			Encoding:        string(encoding),
			Capabilities:    protocol.AgentCapabilityDescriptor{ID: "fake", Name: "fake"},
		}
		respBody, _ := protocol.Marshal(protocol.EncodingJSON, resp)
		if err := protocol.WriteFrame(conn, protocol.MsgHandshakeResponse, respBody); err != nil {
			return
		}

		for {
			msgType, body, err := protocol.ReadFrame(conn)
			if err != nil {
				return
			}
			switch msgType {
			case protocol.MsgPing:
				_ = protocol.WriteFrame(conn, protocol.MsgPong, nil)
			case protocol.MsgAgentRequest:
				var req protocol.AgentRequest
				if err := protocol.Unmarshal(encoding, body, &req); err != nil {
					return
				}
				resp := handle(req.EventType, req.Payload)
				respBody, err := protocol.EncodeAgentResponse(encoding, resp)
				if err != nil {
					return
				}
				if err := protocol.WriteFrame(conn, protocol.MsgAgentResponse, respBody); err != nil {
					return
				}
			default:
				return
			}
		}
	}()
	return ln
}

func TestUnixClientHandshakeAndSendEvent(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "agent.sock")

	ln := fakeAgent(t, sockPath, protocol.EncodingJSON, func(et protocol.EventType, payload []byte) protocol.AgentResponse {
		if et != protocol.EventRequestHeaders {
			t.Errorf("unexpected event type %v", et)
		}
		return protocol.NewAllowResponse()
	})
	defer ln.Close()

	ctx := context.Background()
	client, err := DialUnix(ctx, "fake-agent", sockPath, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	event := protocol.RequestHeadersEvent{
		Metadata: protocol.RequestMetadata{CorrelationID: "corr-1"},
		Method:   "GET",
		URI:      "/",
	}
	resp, err := client.SendEvent(ctx, protocol.EventRequestHeaders, event)
	if err != nil {
		t.Fatalf("send event: %v", err)
	}
	if !resp.Decision.IsAllow() {
		t.Fatalf("expected allow decision, got %+v", resp.Decision)
	}
}

func TestUnixClientPing(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "agent.sock")
	ln := fakeAgent(t, sockPath, protocol.EncodingJSON, func(protocol.EventType, []byte) protocol.AgentResponse {
		return protocol.NewAllowResponse()
	})
	defer ln.Close()

	ctx := context.Background()
	client, err := DialUnix(ctx, "fake-agent", sockPath, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestUnixClientDialFailureIsConnectionFailed(t *testing.T) {
	ctx := context.Background()
	_, err := DialUnix(ctx, "missing", filepath.Join(os.TempDir(), "does-not-exist.sock"), time.Second)
	if !zerr.Is(err, zerr.ConnectionFailed) {
		t.Fatalf("expected ConnectionFailed, got %v", err)
	}
}

func TestGrpcEventsRejectConfigureAndGuardrailInspect(t *testing.T) {
	c := &Client{id: "x", kind: transportGRPC}
	for _, et := range []protocol.EventType{protocol.EventConfigure, protocol.EventGuardrailInspect} {
		_, err := c.SendEvent(context.Background(), et, nil)
		if !zerr.Is(err, zerr.Serialization) {
			t.Fatalf("expected Serialization error for %v over gRPC, got %v", et, err)
		}
	}
}
