package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Encoding is a negotiated wire encoding for the UDS transport. The gRPC
// transport never negotiates an Encoding value: it always carries JSON
// envelopes through agentclient's JSON gRPC codec, so the negotiation
// machinery here is UDS-only (spec 9 open question #2).
type Encoding string

const (
	EncodingJSON    Encoding = "json"
	EncodingMsgPack Encoding = "msgpack"
)

// NegotiateEncoding picks the first of the client's preferences the
// server supports. An empty preference list negotiates to JSON.
func NegotiateEncoding(clientPreferred []Encoding, serverSupports []Encoding) Encoding {
	if len(clientPreferred) == 0 {
		return EncodingJSON
	}
	supported := make(map[Encoding]bool, len(serverSupports))
	for _, e := range serverSupports {
		supported[e] = true
	}
	for _, pref := range clientPreferred {
		if supported[pref] {
			return pref
		}
	}
	return EncodingJSON
}

// Marshal encodes v using the given wire encoding.
func Marshal(enc Encoding, v any) ([]byte, error) {
	switch enc {
	case EncodingMsgPack:
		b, err := msgpack.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("protocol: msgpack encode: %w", err)
		}
		return b, nil
	case EncodingJSON, "":
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("protocol: json encode: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("protocol: unsupported encoding %q", enc)
	}
}

// Unmarshal decodes data into v using the given wire encoding.
func Unmarshal(enc Encoding, data []byte, v any) error {
	switch enc {
	case EncodingMsgPack:
		if err := msgpack.Unmarshal(data, v); err != nil {
			return fmt.Errorf("protocol: msgpack decode: %w", err)
		}
		return nil
	case EncodingJSON, "":
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("protocol: json decode: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("protocol: unsupported encoding %q", enc)
	}
}

// agentResponseWire is the on-wire shape of AgentResponse: the Decision,
// BodyMutation and WebSocketDecision oneofs are flattened into tagged
// sub-objects here and reassembled into the Go-native AgentResponse by
// EncodeAgentResponse/DecodeAgentResponse.
type agentResponseWire struct {
	Version              uint32            `json:"version" msgpack:"version"`
	Decision             decisionWire      `json:"decision" msgpack:"decision"`
	RequestHeaderOps     []HeaderOp        `json:"request_headers,omitempty" msgpack:"request_headers,omitempty"`
	ResponseHeaderOps    []HeaderOp        `json:"response_headers,omitempty" msgpack:"response_headers,omitempty"`
	RoutingMetadata      map[string]string `json:"routing_metadata,omitempty" msgpack:"routing_metadata,omitempty"`
	Audit                AuditMetadata     `json:"audit,omitempty" msgpack:"audit,omitempty"`
	NeedsMore            bool              `json:"needs_more" msgpack:"needs_more"`
	RequestBodyMutation  *bodyMutationWire `json:"request_body_mutation,omitempty" msgpack:"request_body_mutation,omitempty"`
	ResponseBodyMutation *bodyMutationWire `json:"response_body_mutation,omitempty" msgpack:"response_body_mutation,omitempty"`
	WebSocketDecision    *wsDecisionWire   `json:"websocket_decision,omitempty" msgpack:"websocket_decision,omitempty"`
}

type decisionWire struct {
	Allow     *struct{}          `json:"allow,omitempty" msgpack:"allow,omitempty"`
	Block     *blockWire         `json:"block,omitempty" msgpack:"block,omitempty"`
	Redirect  *redirectWire      `json:"redirect,omitempty" msgpack:"redirect,omitempty"`
	Challenge *challengeWire     `json:"challenge,omitempty" msgpack:"challenge,omitempty"`
}

type blockWire struct {
	Status  int               `json:"status" msgpack:"status"`
	Body    string            `json:"body,omitempty" msgpack:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty" msgpack:"headers,omitempty"`
}

type redirectWire struct {
	URL    string `json:"url" msgpack:"url"`
	Status int    `json:"status" msgpack:"status"`
}

type challengeWire struct {
	ChallengeType string            `json:"challenge_type" msgpack:"challenge_type"`
	Params        map[string]string `json:"params,omitempty" msgpack:"params,omitempty"`
}

type bodyMutationWire struct {
	ChunkIndex uint64   `json:"chunk_index" msgpack:"chunk_index"`
	Data       *RawBody `json:"data,omitempty" msgpack:"data,omitempty"`
}

type wsDecisionWire struct {
	Allow *struct{}   `json:"allow,omitempty" msgpack:"allow,omitempty"`
	Drop  *struct{}   `json:"drop,omitempty" msgpack:"drop,omitempty"`
	Close *closeWire  `json:"close,omitempty" msgpack:"close,omitempty"`
}

type closeWire struct {
	Code   uint16 `json:"code" msgpack:"code"`
	Reason string `json:"reason,omitempty" msgpack:"reason,omitempty"`
}

func toDecisionWire(d Decision) decisionWire {
	switch d.Kind {
	case DecisionBlock:
		return decisionWire{Block: &blockWire{Status: d.Status, Body: d.Body, Headers: d.Headers}}
	case DecisionRedirect:
		return decisionWire{Redirect: &redirectWire{URL: d.URL, Status: d.Status}}
	case DecisionChallenge:
		return decisionWire{Challenge: &challengeWire{ChallengeType: d.ChallengeType, Params: d.Params}}
	default:
		return decisionWire{Allow: &struct{}{}}
	}
}

// fromDecisionWire converts the wire shape back to a Decision. An empty
// wire value (no variant set) decodes to Allow, preserving the source's
// confirmed safety default (DESIGN.md open question #1).
func fromDecisionWire(w decisionWire) Decision {
	switch {
	case w.Block != nil:
		return Decision{Kind: DecisionBlock, Status: w.Block.Status, Body: w.Block.Body, Headers: w.Block.Headers}
	case w.Redirect != nil:
		return Decision{Kind: DecisionRedirect, URL: w.Redirect.URL, Status: w.Redirect.Status}
	case w.Challenge != nil:
		return Decision{Kind: DecisionChallenge, ChallengeType: w.Challenge.ChallengeType, Params: w.Challenge.Params}
	default:
		return Allow()
	}
}

func toBodyMutationWire(m *BodyMutation) *bodyMutationWire {
	if m == nil {
		return nil
	}
	return &bodyMutationWire{ChunkIndex: m.ChunkIndex, Data: m.Data}
}

func fromBodyMutationWire(w *bodyMutationWire) *BodyMutation {
	if w == nil {
		return nil
	}
	return &BodyMutation{ChunkIndex: w.ChunkIndex, Data: w.Data}
}

func toWSDecisionWire(d *WebSocketDecision) *wsDecisionWire {
	if d == nil {
		return nil
	}
	switch d.Kind {
	case WSDrop:
		return &wsDecisionWire{Drop: &struct{}{}}
	case WSClose:
		return &wsDecisionWire{Close: &closeWire{Code: d.Code, Reason: d.Reason}}
	default:
		return &wsDecisionWire{Allow: &struct{}{}}
	}
}

func fromWSDecisionWire(w *wsDecisionWire) *WebSocketDecision {
	if w == nil {
		return nil
	}
	switch {
	case w.Drop != nil:
		d := WebSocketDrop()
		return &d
	case w.Close != nil:
		d := WebSocketClose(w.Close.Code, w.Close.Reason)
		return &d
	default:
		d := WebSocketAllow()
		return &d
	}
}

func toWire(r AgentResponse) agentResponseWire {
	return agentResponseWire{
		Version:              r.Version,
		Decision:             toDecisionWire(r.Decision),
		RequestHeaderOps:     r.RequestHeaderOps,
		ResponseHeaderOps:    r.ResponseHeaderOps,
		RoutingMetadata:      r.RoutingMetadata,
		Audit:                r.Audit,
		NeedsMore:            r.NeedsMore,
		RequestBodyMutation:  toBodyMutationWire(r.RequestBodyMutation),
		ResponseBodyMutation: toBodyMutationWire(r.ResponseBodyMutation),
		WebSocketDecision:    toWSDecisionWire(r.WebSocketDecision),
	}
}

func fromWire(w agentResponseWire) AgentResponse {
	return AgentResponse{
		Version:              w.Version,
		Decision:             fromDecisionWire(w.Decision),
		RequestHeaderOps:     w.RequestHeaderOps,
		ResponseHeaderOps:    w.ResponseHeaderOps,
		RoutingMetadata:      w.RoutingMetadata,
		Audit:                w.Audit,
		NeedsMore:            w.NeedsMore,
		RequestBodyMutation:  fromBodyMutationWire(w.RequestBodyMutation),
		ResponseBodyMutation: fromBodyMutationWire(w.ResponseBodyMutation),
		WebSocketDecision:    fromWSDecisionWire(w.WebSocketDecision),
	}
}

// EncodeAgentResponse serializes r using the given wire encoding.
func EncodeAgentResponse(enc Encoding, r AgentResponse) ([]byte, error) {
	return Marshal(enc, toWire(r))
}

// DecodeAgentResponse parses data (in the given wire encoding) into an
// AgentResponse. A response whose version does not equal the negotiated
// protocol version is rejected with a VersionMismatch error by the caller (the codec
// itself only decodes; version checking is the client's job since it
// knows what version it negotiated).
func DecodeAgentResponse(enc Encoding, data []byte) (AgentResponse, error) {
	var w agentResponseWire
	if err := Unmarshal(enc, data, &w); err != nil {
		return AgentResponse{}, err
	}
	return fromWire(w), nil
}
