// Package protocol defines the Zentinel agent wire protocol: event
// payloads, the AgentResponse/Decision vocabulary, and the two wire
// encodings (JSON and MessagePack) that carry them. Event and response
// shapes follow the teacher SDK's protocol.go; constants and enum values
// follow the Rust implementation this protocol was distilled from.
package protocol

import (
	"encoding/base64"
	"time"
)

// ProtocolVersion is the single monotonically increasing protocol
// version number. Handshake rejects any mismatch.
const ProtocolVersion uint32 = 2

// MaxMessageSize is the largest payload (post-framing) the UDS framing
// will accept. Frames larger than this fail with zerr.MessageTooLarge.
// The gRPC transport does not apply this limit.
const MaxMessageSize = 10 * 1024 * 1024

// EventType is the closed set of lifecycle event kinds an agent may be
// asked to handle.
type EventType string

const (
	EventConfigure         EventType = "configure"
	EventRequestHeaders    EventType = "request_headers"
	EventRequestBodyChunk  EventType = "request_body_chunk"
	EventResponseHeaders   EventType = "response_headers"
	EventResponseBodyChunk EventType = "response_body_chunk"
	EventRequestComplete   EventType = "request_complete"
	EventWebSocketFrame    EventType = "websocket_frame"
	EventGuardrailInspect  EventType = "guardrail_inspect"
)

// RawBody carries body bytes that round-trip exactly across JSON
// (base64-encoded string) and MessagePack (native binary) encodings.
//
// encoding/json already base64-encodes a []byte field automatically, so
// MarshalJSON/UnmarshalJSON only need to exist to implement the spec's
// documented fallback: if the wire value is not valid base64, treat the
// string's bytes as raw UTF-8 rather than failing the whole decode.
type RawBody []byte

func (b RawBody) MarshalJSON() ([]byte, error) {
	enc := base64.StdEncoding.EncodeToString(b)
	out := make([]byte, 0, len(enc)+2)
	out = append(out, '"')
	out = append(out, enc...)
	out = append(out, '"')
	return out, nil
}

func (b *RawBody) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		*b = RawBody(append([]byte(nil), data...))
		return nil
	}
	s := string(data[1 : len(data)-1])
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		*b = RawBody(s)
		return nil
	}
	*b = decoded
	return nil
}

// RequestMetadata is attached to every per-request event so agents can
// correlate and make routing-aware decisions.
type RequestMetadata struct {
	CorrelationID string     `json:"correlation_id" msgpack:"correlation_id"`
	RequestID     string     `json:"request_id" msgpack:"request_id"`
	ClientIP      string     `json:"client_ip" msgpack:"client_ip"`
	ClientPort    uint16     `json:"client_port" msgpack:"client_port"`
	ServerName    string     `json:"server_name,omitempty" msgpack:"server_name,omitempty"`
	Protocol      string     `json:"protocol" msgpack:"protocol"`
	TLSVersion    string     `json:"tls_version,omitempty" msgpack:"tls_version,omitempty"`
	TLSCipher     string     `json:"tls_cipher,omitempty" msgpack:"tls_cipher,omitempty"`
	RouteID       string     `json:"route_id,omitempty" msgpack:"route_id,omitempty"`
	UpstreamID    string     `json:"upstream_id,omitempty" msgpack:"upstream_id,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"`
	Traceparent   string     `json:"traceparent,omitempty" msgpack:"traceparent,omitempty"`
}

// HeaderValues preserves header-name -> ordered multi-value, with
// case-insensitive lookup left to the caller (the map key is the
// canonical name as received).
type HeaderValues map[string][]string

// RequestHeadersEvent is sent when the proxy has parsed request headers.
type RequestHeadersEvent struct {
	Metadata RequestMetadata `json:"metadata" msgpack:"metadata"`
	Method   string          `json:"method" msgpack:"method"`
	URI      string          `json:"uri" msgpack:"uri"`
	Headers  HeaderValues    `json:"headers" msgpack:"headers"`
}

// BodyChunkEvent is shared by RequestBodyChunk and ResponseBodyChunk;
// the event's direction is implied by which handler dispatches it.
type BodyChunkEvent struct {
	CorrelationID   string  `json:"correlation_id" msgpack:"correlation_id"`
	Data            RawBody `json:"data" msgpack:"data"`
	IsLast          bool    `json:"is_last" msgpack:"is_last"`
	TotalSize       *uint64 `json:"total_size,omitempty" msgpack:"total_size,omitempty"`
	ChunkIndex      uint64  `json:"chunk_index" msgpack:"chunk_index"`
	BytesReceived   uint64  `json:"bytes_received,omitempty" msgpack:"bytes_received,omitempty"`
	BytesSent       uint64  `json:"bytes_sent,omitempty" msgpack:"bytes_sent,omitempty"`
}

// ResponseHeadersEvent is sent when the proxy has parsed upstream
// response headers.
type ResponseHeadersEvent struct {
	CorrelationID string       `json:"correlation_id" msgpack:"correlation_id"`
	Status        int          `json:"status" msgpack:"status"`
	Headers       HeaderValues `json:"headers" msgpack:"headers"`
}

// WebSocketOpcode is the closed set of frame opcodes, with the fixed
// byte values the wire protocol uses.
type WebSocketOpcode byte

const (
	OpcodeContinuation WebSocketOpcode = 0x0
	OpcodeText         WebSocketOpcode = 0x1
	OpcodeBinary       WebSocketOpcode = 0x2
	OpcodeClose        WebSocketOpcode = 0x8
	OpcodePing         WebSocketOpcode = 0x9
	OpcodePong         WebSocketOpcode = 0xA
)

// AsByte returns the wire byte value for the opcode.
func (o WebSocketOpcode) AsByte() byte { return byte(o) }

// OpcodeFromByte parses a wire byte into a WebSocketOpcode, returning ok
// = false for any value outside the closed set.
func OpcodeFromByte(b byte) (WebSocketOpcode, bool) {
	switch WebSocketOpcode(b) {
	case OpcodeContinuation, OpcodeText, OpcodeBinary, OpcodeClose, OpcodePing, OpcodePong:
		return WebSocketOpcode(b), true
	default:
		return 0, false
	}
}

// FrameDirection is which way a WebSocket frame is travelling.
type FrameDirection string

const (
	DirectionClientToUpstream FrameDirection = "client_to_upstream"
	DirectionUpstreamToClient FrameDirection = "upstream_to_client"
)

// WebSocketFrameEvent is sent for each frame after a connection has
// upgraded to WebSocket.
type WebSocketFrameEvent struct {
	CorrelationID string          `json:"correlation_id" msgpack:"correlation_id"`
	Opcode        WebSocketOpcode `json:"opcode" msgpack:"opcode"`
	Payload       RawBody         `json:"payload" msgpack:"payload"`
	Direction     FrameDirection  `json:"direction" msgpack:"direction"`
	FrameIndex    uint64          `json:"frame_index" msgpack:"frame_index"`
	Fin           bool            `json:"fin" msgpack:"fin"`
	RouteID       string          `json:"route_id,omitempty" msgpack:"route_id,omitempty"`
	ClientIP      string          `json:"client_ip,omitempty" msgpack:"client_ip,omitempty"`
}

// RequestCompleteEvent is a terminal, informational event sent once a
// request/response cycle has fully finished.
type RequestCompleteEvent struct {
	CorrelationID    string  `json:"correlation_id" msgpack:"correlation_id"`
	FinalStatus      int     `json:"final_status" msgpack:"final_status"`
	DurationMs       uint64  `json:"duration_ms" msgpack:"duration_ms"`
	RequestBodySize  uint64  `json:"request_body_size" msgpack:"request_body_size"`
	ResponseBodySize uint64  `json:"response_body_size" msgpack:"response_body_size"`
	UpstreamAttempts int     `json:"upstream_attempts" msgpack:"upstream_attempts"`
	Error            *string `json:"error,omitempty" msgpack:"error,omitempty"`
}

// GuardrailInspectionType distinguishes the two supported guardrail
// inspection kinds.
type GuardrailInspectionType string

const (
	InspectionPromptInjection GuardrailInspectionType = "prompt_injection"
	InspectionPIIDetection    GuardrailInspectionType = "pii_detection"
)

// GuardrailInspectEvent asks an agent to inspect content for security or
// privacy concerns.
type GuardrailInspectEvent struct {
	CorrelationID   string                  `json:"correlation_id" msgpack:"correlation_id"`
	InspectionType  GuardrailInspectionType `json:"inspection_type" msgpack:"inspection_type"`
	Content         string                  `json:"content" msgpack:"content"`
	Model           string                  `json:"model,omitempty" msgpack:"model,omitempty"`
	Categories      []string                `json:"categories,omitempty" msgpack:"categories,omitempty"`
	Metadata        map[string]any          `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	RouteID         string                  `json:"route_id,omitempty" msgpack:"route_id,omitempty"`
}

// DetectionSeverity ranks a guardrail detection's severity.
type DetectionSeverity string

const (
	SeverityLow      DetectionSeverity = "low"
	SeverityMedium   DetectionSeverity = "medium"
	SeverityHigh     DetectionSeverity = "high"
	SeverityCritical DetectionSeverity = "critical"
)

// TextSpan locates a detection within the inspected content.
type TextSpan struct {
	Start int `json:"start" msgpack:"start"`
	End   int `json:"end" msgpack:"end"`
}

// GuardrailDetection is one finding from a guardrail inspection.
type GuardrailDetection struct {
	Category   string            `json:"category" msgpack:"category"`
	Severity   DetectionSeverity `json:"severity,omitempty" msgpack:"severity,omitempty"`
	Confidence float64           `json:"confidence,omitempty" msgpack:"confidence,omitempty"`
	Span       *TextSpan         `json:"span,omitempty" msgpack:"span,omitempty"`
}

// WithSeverity sets the detection's severity and returns it for chaining.
func (d GuardrailDetection) WithSeverity(s DetectionSeverity) GuardrailDetection {
	d.Severity = s
	return d
}

// WithConfidence sets the detection's confidence and returns it for
// chaining.
func (d GuardrailDetection) WithConfidence(c float64) GuardrailDetection {
	d.Confidence = c
	return d
}

// WithSpan sets the detection's text span and returns it for chaining.
func (d GuardrailDetection) WithSpan(start, end int) GuardrailDetection {
	d.Span = &TextSpan{Start: start, End: end}
	return d
}

// GuardrailResponse is what a guardrail agent returns for an inspection
// event.
type GuardrailResponse struct {
	Detected         bool                 `json:"detected" msgpack:"detected"`
	Confidence       float64              `json:"confidence,omitempty" msgpack:"confidence,omitempty"`
	Detections       []GuardrailDetection `json:"detections,omitempty" msgpack:"detections,omitempty"`
	RedactedContent  string               `json:"redacted_content,omitempty" msgpack:"redacted_content,omitempty"`
}

// NewGuardrailResponse returns a clean (not detected) response.
func NewGuardrailResponse() GuardrailResponse {
	return GuardrailResponse{}
}

// NewGuardrailResponseWithDetection returns a detected response seeded
// with one finding.
func NewGuardrailResponseWithDetection(d GuardrailDetection) GuardrailResponse {
	return GuardrailResponse{Detected: true, Detections: []GuardrailDetection{d}}
}

// AddDetection appends a detection and marks the response as detected.
func (r GuardrailResponse) AddDetection(d GuardrailDetection) GuardrailResponse {
	r.Detected = true
	r.Detections = append(r.Detections, d)
	return r
}

// WithRedactedContent sets the redacted content field.
func (r GuardrailResponse) WithRedactedContent(content string) GuardrailResponse {
	r.RedactedContent = content
	return r
}
