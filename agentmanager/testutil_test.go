package agentmanager

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/zentinelproxy/zentinel/config"
	"github.com/zentinelproxy/zentinel/protocol"
)

// fakeAgentConfig starts a minimal in-process UDS agent and returns an
// AgentConfig wired to dial it.
func fakeAgentConfig(t *testing.T, id string, handles []string, handle func(protocol.EventType, []byte) protocol.AgentResponse) config.AgentConfig {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, id+".sock")

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFakeAgentConn(conn, handle)
		}
	}()

	cfg := config.NewAgentConfig(id).WithSocketPath(sockPath).WithHandles(handles...).WithTimeout(2 * time.Second)
	cfg.Pool.Size = 1
	cfg.Pool.PingInterval = 0
	return cfg
}

func serveFakeAgentConn(conn net.Conn, handle func(protocol.EventType, []byte) protocol.AgentResponse) {
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
		Encoding:        string(protocol.EncodingJSON),
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
		case protocol.MsgCancel:
			// best-effort, nothing to acknowledge
		case protocol.MsgAgentRequest:
			var areq protocol.AgentRequest
			if err := protocol.Unmarshal(protocol.EncodingJSON, body, &areq); err != nil {
				return
			}
			resp := handle(areq.EventType, areq.Payload)
			respBody, err := protocol.EncodeAgentResponse(protocol.EncodingJSON, resp)
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
}

// slowFakeAgentConfig starts an agent that sleeps past the caller's
// per-call timeout before ever responding, to exercise timeout handling.
func slowFakeAgentConfig(t *testing.T, id string, delay time.Duration) config.AgentConfig {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, id+".sock")

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
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
					Encoding:        string(protocol.EncodingJSON),
					Capabilities:    protocol.AgentCapabilityDescriptor{ID: "fake", Name: "fake"},
				}
				respBody, _ := protocol.Marshal(protocol.EncodingJSON, resp)
				if err := protocol.WriteFrame(conn, protocol.MsgHandshakeResponse, respBody); err != nil {
					return
				}
				for {
					msgType, _, err := protocol.ReadFrame(conn)
					if err != nil {
						return
					}
					if msgType == protocol.MsgAgentRequest {
						time.Sleep(delay)
						respBody, _ := protocol.EncodeAgentResponse(protocol.EncodingJSON, protocol.NewAllowResponse())
						if err := protocol.WriteFrame(conn, protocol.MsgAgentResponse, respBody); err != nil {
							return
						}
					}
				}
			}(conn)
		}
	}()

	cfg := config.NewAgentConfig(id).WithSocketPath(sockPath).WithHandles("request_headers").WithTimeout(30 * time.Millisecond)
	cfg.Pool.Size = 1
	cfg.Pool.PingInterval = 0
	return cfg
}
