package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/zentinelproxy/zentinel/zerr"
)

// DecisionKind is the closed set of decision variants a Decision can
// carry. Zero value is DecisionAllow, matching the wire default.
type DecisionKind int

const (
	DecisionAllow DecisionKind = iota
	DecisionBlock
	DecisionRedirect
	DecisionChallenge
)

// strength orders decisions so the manager can merge multiple agents'
// outcomes by keeping the strongest: Allow < Redirect/Challenge < Block.
func (k DecisionKind) strength() int {
	switch k {
	case DecisionBlock:
		return 2
	case DecisionRedirect, DecisionChallenge:
		return 1
	default:
		return 0
	}
}

// Decision is exactly one of Allow, Block, Redirect, or Challenge. The
// zero value is Allow, matching the confirmed behavior of the source's
// convert_grpc_response, which defaults to Allow when no decision is
// present on the wire (see DESIGN.md open question #1).
type Decision struct {
	Kind DecisionKind

	// Block
	Status  int
	Body    string
	Headers map[string]string

	// Redirect
	URL string
	// Status is reused for Redirect's status code.

	// Challenge
	ChallengeType string
	Params        map[string]string
}

// Allow returns the Allow decision.
func Allow() Decision { return Decision{Kind: DecisionAllow} }

// Block returns a Block decision with the given status.
func Block(status int) Decision { return Decision{Kind: DecisionBlock, Status: status} }

// Deny returns a 403 Block decision.
func Deny() Decision { return Block(403) }

// Unauthorized returns a 401 Block decision.
func Unauthorized() Decision { return Block(401) }

// RateLimited returns a 429 Block decision.
func RateLimited() Decision { return Block(429) }

// Redirect returns a Redirect decision.
func Redirect(url string, status int) Decision {
	return Decision{Kind: DecisionRedirect, URL: url, Status: status}
}

// RedirectPermanent returns a 301 Redirect decision.
func RedirectPermanent(url string) Decision { return Redirect(url, 301) }

// Challenge returns a Challenge decision.
func Challenge(challengeType string, params map[string]string) Decision {
	return Decision{Kind: DecisionChallenge, ChallengeType: challengeType, Params: params}
}

// WithBody sets the Block decision's body and returns it for chaining.
func (d Decision) WithBody(body string) Decision {
	d.Body = body
	return d
}

// WithHeader sets a header on a Block decision's response and returns it
// for chaining.
func (d Decision) WithHeader(name, value string) Decision {
	if d.Headers == nil {
		d.Headers = make(map[string]string)
	}
	d.Headers[name] = value
	return d
}

// Stronger returns the stronger of two decisions per the ordering
// Allow < Redirect/Challenge < Block. Ties keep a.
func Stronger(a, b Decision) Decision {
	if b.Kind.strength() > a.Kind.strength() {
		return b
	}
	return a
}

// IsAllow reports whether the decision is Allow.
func (d Decision) IsAllow() bool { return d.Kind == DecisionAllow }

// HeaderOpKind is the kind of header mutation.
type HeaderOpKind int

const (
	HeaderOpSet HeaderOpKind = iota
	HeaderOpAdd
	HeaderOpRemove
)

// HeaderOp is one request- or response-side header mutation. Set
// replaces all existing values for a name; Add appends; Remove deletes.
type HeaderOp struct {
	Kind  HeaderOpKind
	Name  string
	Value string
}

// SetHeader builds a Set header operation.
func SetHeader(name, value string) HeaderOp { return HeaderOp{Kind: HeaderOpSet, Name: name, Value: value} }

// AddHeader builds an Add header operation.
func AddHeader(name, value string) HeaderOp { return HeaderOp{Kind: HeaderOpAdd, Name: name, Value: value} }

// RemoveHeader builds a Remove header operation.
func RemoveHeader(name string) HeaderOp { return HeaderOp{Kind: HeaderOpRemove, Name: name} }

type headerOpWire struct {
	Set    *struct{ Name, Value string } `json:"set,omitempty"`
	Add    *struct{ Name, Value string } `json:"add,omitempty"`
	Remove *struct{ Name string }        `json:"remove,omitempty"`
}

// MarshalJSON renders a HeaderOp as the tagged-union shape
// {"set":{"name":...,"value":...}} / {"add":{...}} / {"remove":{"name":...}}.
func (h HeaderOp) MarshalJSON() ([]byte, error) {
	switch h.Kind {
	case HeaderOpSet:
		return json.Marshal(map[string]any{"set": map[string]string{"name": h.Name, "value": h.Value}})
	case HeaderOpAdd:
		return json.Marshal(map[string]any{"add": map[string]string{"name": h.Name, "value": h.Value}})
	case HeaderOpRemove:
		return json.Marshal(map[string]any{"remove": map[string]string{"name": h.Name}})
	default:
		return nil, fmt.Errorf("protocol: unknown header op kind %d", h.Kind)
	}
}

// UnmarshalJSON parses the tagged-union shape back into a HeaderOp.
func (h *HeaderOp) UnmarshalJSON(data []byte) error {
	var raw map[string]struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["set"]; ok {
		*h = HeaderOp{Kind: HeaderOpSet, Name: v.Name, Value: v.Value}
		return nil
	}
	if v, ok := raw["add"]; ok {
		*h = HeaderOp{Kind: HeaderOpAdd, Name: v.Name, Value: v.Value}
		return nil
	}
	if v, ok := raw["remove"]; ok {
		*h = HeaderOp{Kind: HeaderOpRemove, Name: v.Name}
		return nil
	}
	return fmt.Errorf("protocol: header op has no recognized variant")
}

// BodyMutation describes what to do with one body chunk. A nil Data
// pointer means pass the chunk through unmodified; a pointer to a
// zero-length slice means drop the chunk; any other value replaces it.
// ChunkIndex must equal the chunk_index of the event that triggered it.
type BodyMutation struct {
	ChunkIndex uint64
	Data       *RawBody
}

// PassThroughMutation returns a mutation that leaves the chunk
// unmodified.
func PassThroughMutation(chunkIndex uint64) BodyMutation {
	return BodyMutation{ChunkIndex: chunkIndex}
}

// DropMutation returns a mutation that drops the chunk entirely.
func DropMutation(chunkIndex uint64) BodyMutation {
	empty := RawBody{}
	return BodyMutation{ChunkIndex: chunkIndex, Data: &empty}
}

// ReplaceMutation returns a mutation that replaces the chunk's bytes.
func ReplaceMutation(chunkIndex uint64, data []byte) BodyMutation {
	rb := RawBody(data)
	return BodyMutation{ChunkIndex: chunkIndex, Data: &rb}
}

// IsPassThrough reports whether the mutation leaves the chunk unchanged.
func (m BodyMutation) IsPassThrough() bool { return m.Data == nil }

// IsDrop reports whether the mutation drops the chunk.
func (m BodyMutation) IsDrop() bool { return m.Data != nil && len(*m.Data) == 0 }

// Apply returns the bytes that should be forwarded for original, given
// this mutation. triggeringChunkIndex is the chunk_index of the event
// that produced m; a mismatch against m.ChunkIndex is a protocol error
// (spec 3, spec 8) and Apply refuses to guess which chunk was meant.
func (m BodyMutation) Apply(triggeringChunkIndex uint64, original []byte) ([]byte, error) {
	if m.ChunkIndex != triggeringChunkIndex {
		return nil, zerr.New(zerr.InvalidMessage, fmt.Sprintf(
			"body mutation chunk_index %d does not match triggering chunk %d", m.ChunkIndex, triggeringChunkIndex))
	}
	if m.IsPassThrough() {
		return original, nil
	}
	return []byte(*m.Data), nil
}

// WebSocketDecisionKind is the kind of WebSocket frame decision.
type WebSocketDecisionKind int

const (
	WSAllow WebSocketDecisionKind = iota
	WSDrop
	WSClose
)

// WebSocketDecision tells the proxy what to do with one WebSocket frame.
type WebSocketDecision struct {
	Kind   WebSocketDecisionKind
	Code   uint16
	Reason string
}

// WebSocketAllow returns the Allow WebSocket decision.
func WebSocketAllow() WebSocketDecision { return WebSocketDecision{Kind: WSAllow} }

// WebSocketDrop returns the Drop WebSocket decision: silently discard
// the frame, do not forward it.
func WebSocketDrop() WebSocketDecision { return WebSocketDecision{Kind: WSDrop} }

// WebSocketClose returns the Close WebSocket decision with the given
// close code and reason.
func WebSocketClose(code uint16, reason string) WebSocketDecision {
	return WebSocketDecision{Kind: WSClose, Code: code, Reason: reason}
}

// AuditMetadata is free-form context an agent can attach to its
// response for logging/observability.
type AuditMetadata struct {
	Tags        []string       `json:"tags,omitempty" msgpack:"tags,omitempty"`
	RuleID      string         `json:"rule_id,omitempty" msgpack:"rule_id,omitempty"`
	Confidence  float64        `json:"confidence,omitempty" msgpack:"confidence,omitempty"`
	ReasonCodes []string       `json:"reason_codes,omitempty" msgpack:"reason_codes,omitempty"`
	Extra       map[string]any `json:"extra,omitempty" msgpack:"extra,omitempty"`
}

// AgentResponse is what an agent returns for any event.
type AgentResponse struct {
	Version              uint32              `json:"version" msgpack:"version"`
	Decision             Decision            `json:"-" msgpack:"-"`
	RequestHeaderOps     []HeaderOp          `json:"request_headers,omitempty" msgpack:"request_headers,omitempty"`
	ResponseHeaderOps    []HeaderOp          `json:"response_headers,omitempty" msgpack:"response_headers,omitempty"`
	RoutingMetadata      map[string]string   `json:"routing_metadata,omitempty" msgpack:"routing_metadata,omitempty"`
	Audit                AuditMetadata       `json:"audit,omitempty" msgpack:"audit,omitempty"`
	NeedsMore            bool                `json:"needs_more" msgpack:"needs_more"`
	RequestBodyMutation  *BodyMutation       `json:"-" msgpack:"-"`
	ResponseBodyMutation *BodyMutation       `json:"-" msgpack:"-"`
	WebSocketDecision    *WebSocketDecision  `json:"-" msgpack:"-"`
}

// NewAllowResponse returns a default Allow response at the current
// protocol version.
func NewAllowResponse() AgentResponse {
	return AgentResponse{Version: ProtocolVersion, Decision: Allow()}
}

// NeedsMoreData returns a provisional Allow response with NeedsMore set.
func NeedsMoreData() AgentResponse {
	r := NewAllowResponse()
	r.NeedsMore = true
	return r
}
