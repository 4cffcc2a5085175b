package protocol

import "testing"

// TestEncodingNegotiationScenario covers spec scenario 6: a client
// offering [msgpack, json] against a server that only supports json
// negotiates json, and subsequent body chunk payloads are then
// plain JSON-base64.
func TestEncodingNegotiationScenario(t *testing.T) {
	req := NewHandshakeRequest("zentinel-proxy", "1.0.0")
	clientPreferred := EncodingsAsValues(req.SupportedEncodings)

	serverSupports := []Encoding{EncodingJSON}
	negotiated := NegotiateEncoding(clientPreferred, serverSupports)
	if negotiated != EncodingJSON {
		t.Fatalf("expected json negotiated, got %v", negotiated)
	}

	chunk := BodyChunkEvent{CorrelationID: "abc-1", Data: RawBody("hello"), ChunkIndex: 0}
	encoded, err := Marshal(negotiated, chunk)
	if err != nil {
		t.Fatalf("marshal chunk: %v", err)
	}
	var decoded BodyChunkEvent
	if err := Unmarshal(negotiated, encoded, &decoded); err != nil {
		t.Fatalf("unmarshal chunk: %v", err)
	}
	if string(decoded.Data) != "hello" {
		t.Fatalf("chunk data mismatch: got %q", decoded.Data)
	}
}

func TestHandshakeRequestIsAlwaysJSONRegardlessOfNegotiation(t *testing.T) {
	req := NewHandshakeRequest("zentinel-proxy", "1.0.0")
	data, err := Marshal(EncodingJSON, req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded HandshakeRequest
	if err := Unmarshal(EncodingJSON, data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ProxyID != "zentinel-proxy" {
		t.Fatalf("proxy id mismatch: %+v", decoded)
	}
}
