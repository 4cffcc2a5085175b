package agentclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"

	"github.com/zentinelproxy/zentinel/protocol"
	"github.com/zentinelproxy/zentinel/zerr"
)

// handshake performs the always-JSON handshake and stores whatever
// encoding the agent chose for subsequent messages (spec 4.1 point 3).
// Only the Unix socket transport negotiates: gRPC never negotiates an
// Encoding value (spec 9 open question #2), so this is a no-op there.
func (c *Client) handshake(ctx context.Context) error {
	if c.kind != transportUnix {
		return nil
	}

	req := protocol.NewHandshakeRequest(c.id, "1.0.0")
	body, err := protocol.Marshal(protocol.EncodingJSON, req)
	if err != nil {
		return zerr.Wrap(zerr.Serialization, "encode handshake request", err)
	}

	if err := protocol.WriteFrame(c.conn, protocol.MsgHandshakeRequest, body); err != nil {
		return err
	}
	msgType, respBody, err := protocol.ReadFrame(c.conn)
	if err != nil {
		return err
	}
	if msgType != protocol.MsgHandshakeResponse {
		return zerr.New(zerr.InvalidMessage, fmt.Sprintf("expected handshake response, got %v", msgType))
	}

	var resp protocol.HandshakeResponse
	if err := protocol.Unmarshal(protocol.EncodingJSON, respBody, &resp); err != nil {
		return zerr.Wrap(zerr.InvalidMessage, "decode handshake response", err)
	}
	if !resp.Success {
		return zerr.New(zerr.Agent, "agent rejected handshake: "+resp.Error)
	}
	if resp.ProtocolVersion != protocol.ProtocolVersion {
		return zerr.NewVersionMismatch(protocol.ProtocolVersion, resp.ProtocolVersion)
	}

	switch protocol.Encoding(resp.Encoding) {
	case protocol.EncodingMsgPack:
		c.encoding = protocol.EncodingMsgPack
	default:
		c.encoding = protocol.EncodingJSON
	}
	return nil
}

// grpcUnsupported events fail fast rather than silently degrade: spec 4.1
// calls out Configure and GuardrailInspect as UDS-only event kinds.
func grpcUnsupported(eventType protocol.EventType) bool {
	return eventType == protocol.EventConfigure || eventType == protocol.EventGuardrailInspect
}

// SendEvent sends one lifecycle event and blocks for the agent's
// response. Concurrent calls on the same Client are serialized by its
// mutex: only one event is in flight on the connection at a time.
func (c *Client) SendEvent(ctx context.Context, eventType protocol.EventType, payload any) (protocol.AgentResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return protocol.AgentResponse{}, zerr.New(zerr.ConnectionClosed, "client is closed")
	}

	if c.kind == transportGRPC && grpcUnsupported(eventType) {
		return protocol.AgentResponse{}, zerr.New(zerr.Serialization, fmt.Sprintf("%s events are not supported over gRPC", eventType))
	}

	switch c.kind {
	case transportUnix:
		return c.sendEventUnix(ctx, eventType, payload)
	case transportGRPC:
		return c.sendEventGRPC(ctx, eventType, payload)
	default:
		return protocol.AgentResponse{}, zerr.New(zerr.Internal, "unknown transport kind")
	}
}

func (c *Client) sendEventUnix(ctx context.Context, eventType protocol.EventType, payload any) (protocol.AgentResponse, error) {
	req, err := protocol.NewAgentRequest(c.encoding, eventType, payload)
	if err != nil {
		return protocol.AgentResponse{}, zerr.Wrap(zerr.Serialization, "encode event payload", err)
	}

	body, err := protocol.Marshal(c.encoding, req)
	if err != nil {
		return protocol.AgentResponse{}, zerr.Wrap(zerr.Serialization, "encode request envelope", err)
	}

	deadline := c.timeout
	if d, ok := ctx.Deadline(); ok {
		if remaining := time.Until(d); remaining < deadline || deadline == 0 {
			deadline = remaining
		}
	}
	if deadline > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(deadline))
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := protocol.WriteFrame(c.conn, protocol.MsgAgentRequest, body); err != nil {
		if isDeadlineExceeded(err) {
			return protocol.AgentResponse{}, zerr.NewTimeout(deadline)
		}
		return protocol.AgentResponse{}, err
	}
	msgType, respBody, err := protocol.ReadFrame(c.conn)
	if err != nil {
		if isDeadlineExceeded(err) {
			return protocol.AgentResponse{}, zerr.NewTimeout(deadline)
		}
		return protocol.AgentResponse{}, err
	}
	if msgType != protocol.MsgAgentResponse {
		return protocol.AgentResponse{}, zerr.New(zerr.InvalidMessage, fmt.Sprintf("expected agent response, got %v", msgType))
	}
	resp, err := protocol.DecodeAgentResponse(c.encoding, respBody)
	if err != nil {
		return protocol.AgentResponse{}, zerr.Wrap(zerr.InvalidMessage, "decode agent response", err)
	}
	if resp.Version != protocol.ProtocolVersion {
		return protocol.AgentResponse{}, zerr.NewVersionMismatch(protocol.ProtocolVersion, resp.Version)
	}
	return resp, nil
}

// isDeadlineExceeded reports whether err originates from a net.Conn
// deadline firing, as opposed to a genuine connection failure.
func isDeadlineExceeded(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (c *Client) sendEventGRPC(ctx context.Context, eventType protocol.EventType, payload any) (protocol.AgentResponse, error) {
	req, err := protocol.NewAgentRequest(protocol.EncodingJSON, eventType, payload)
	if err != nil {
		return protocol.AgentResponse{}, zerr.Wrap(zerr.Serialization, "encode event payload", err)
	}
	reqBody, err := protocol.Marshal(protocol.EncodingJSON, req)
	if err != nil {
		return protocol.AgentResponse{}, zerr.Wrap(zerr.Serialization, "encode request envelope", err)
	}

	in := &jsonFrame{Data: reqBody}
	out := new(jsonFrame)

	err = c.grpcConn.Invoke(ctx, "/zentinel.agent.v2.AgentServiceV2/ProcessEvent", in, out,
		grpc.CallContentSubtype(jsonCodecName))
	if err != nil {
		return protocol.AgentResponse{}, zerr.Wrap(zerr.ConnectionFailed, "grpc ProcessEvent call failed", err)
	}

	resp, err := protocol.DecodeAgentResponse(protocol.EncodingJSON, out.Data)
	if err != nil {
		return protocol.AgentResponse{}, zerr.Wrap(zerr.InvalidMessage, "decode grpc agent response", err)
	}
	if resp.Version != protocol.ProtocolVersion {
		return protocol.AgentResponse{}, zerr.NewVersionMismatch(protocol.ProtocolVersion, resp.Version)
	}
	return resp, nil
}

// Ping checks liveness of the underlying connection. For Unix sockets it
// round-trips a minimal handshake-less ping frame; for gRPC it returns
// nil without contacting the agent or checking the channel's state.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return zerr.New(zerr.ConnectionClosed, "client is closed")
	}
	if c.kind != transportUnix {
		return nil
	}
	if err := protocol.WriteFrame(c.conn, protocol.MsgPing, nil); err != nil {
		return err
	}
	msgType, _, err := protocol.ReadFrame(c.conn)
	if err != nil {
		return err
	}
	if msgType != protocol.MsgPong {
		return zerr.New(zerr.InvalidMessage, fmt.Sprintf("expected pong, got %v", msgType))
	}
	return nil
}

// Cancel asks the agent to abandon in-flight processing for
// correlationID. This is best-effort: the agent may have already sent
// its response, and a failure to deliver the cancel is not itself an
// error the caller needs to act on.
func (c *Client) Cancel(ctx context.Context, correlationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.kind != transportUnix {
		return
	}
	body, err := protocol.Marshal(c.encoding, map[string]string{"correlation_id": correlationID})
	if err != nil {
		return
	}
	_ = protocol.WriteFrame(c.conn, protocol.MsgCancel, body)
}
