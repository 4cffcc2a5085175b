package protocol

// HandshakeRequest is always encoded as JSON, regardless of what
// encoding gets negotiated for subsequent messages (spec 4.1 point 3).
type HandshakeRequest struct {
	SupportedVersions  []uint32 `json:"supported_versions"`
	ProxyID            string   `json:"proxy_id"`
	ProxyVersion       string   `json:"proxy_version"`
	Config             any      `json:"config,omitempty"`
	SupportedEncodings []string `json:"supported_encodings"`
}

// AgentCapabilityDescriptor is what an agent declares about itself at
// handshake time.
type AgentCapabilityDescriptor struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Version      string      `json:"version"`
	Handles      []EventType `json:"handles"`
	Streaming    bool        `json:"streaming,omitempty"`
	WebSocket    bool        `json:"websocket,omitempty"`
	Guardrail    bool        `json:"guardrail,omitempty"`
}

// HandshakeResponse is always JSON, like the request.
type HandshakeResponse struct {
	ProtocolVersion uint32                    `json:"protocol_version"`
	Capabilities    AgentCapabilityDescriptor `json:"capabilities"`
	Success         bool                      `json:"success"`
	Error           string                    `json:"error,omitempty"`
	Encoding        string                    `json:"encoding"`
}

// NewHandshakeRequest builds a handshake request for the current
// protocol version, preferring MessagePack and falling back to JSON.
func NewHandshakeRequest(proxyID, proxyVersion string) HandshakeRequest {
	return HandshakeRequest{
		SupportedVersions:  []uint32{ProtocolVersion},
		ProxyID:            proxyID,
		ProxyVersion:       proxyVersion,
		SupportedEncodings: []string{string(EncodingMsgPack), string(EncodingJSON)},
	}
}

// EncodingsAsValues converts a string encoding list (as carried on the
// wire) to typed Encoding values, skipping anything unrecognized.
func EncodingsAsValues(raw []string) []Encoding {
	out := make([]Encoding, 0, len(raw))
	for _, r := range raw {
		switch Encoding(r) {
		case EncodingJSON, EncodingMsgPack:
			out = append(out, Encoding(r))
		}
	}
	return out
}
