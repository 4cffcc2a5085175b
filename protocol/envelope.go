package protocol

import "encoding/json"

// AgentRequest is the wire envelope a client sends for every lifecycle
// event: a protocol version, the event kind, and the event's own typed
// payload carried as a raw encoded value. Mirrors the Rust original's
// AgentRequest { version, event_type, payload: Value }.
type AgentRequest struct {
	Version   uint32          `json:"version" msgpack:"version"`
	EventType EventType       `json:"event_type" msgpack:"event_type"`
	Payload   json.RawMessage `json:"payload" msgpack:"payload"`
}

// NewAgentRequest encodes payload (using enc) into a request envelope
// for eventType.
func NewAgentRequest(enc Encoding, eventType EventType, payload any) (AgentRequest, error) {
	body, err := Marshal(enc, payload)
	if err != nil {
		return AgentRequest{}, err
	}
	// json.RawMessage is also a valid carrier for a msgpack-encoded
	// payload: it is just a []byte box, the codec functions below
	// never treat it as JSON text directly.
	return AgentRequest{Version: ProtocolVersion, EventType: eventType, Payload: json.RawMessage(body)}, nil
}

// DecodePayload decodes the envelope's payload into v using enc.
func (r AgentRequest) DecodePayload(enc Encoding, v any) error {
	return Unmarshal(enc, r.Payload, v)
}
