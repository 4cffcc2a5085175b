package protocol

import "testing"

func TestAgentResponseRoundTripJSON(t *testing.T) {
	orig := NewAllowResponse()
	orig.RequestHeaderOps = []HeaderOp{SetHeader("x-test-agent", "abc-1")}
	orig.Audit = AuditMetadata{Tags: []string{"waf"}, Confidence: 0.9}

	data, err := EncodeAgentResponse(EncodingJSON, orig)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeAgentResponse(EncodingJSON, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Decision.IsAllow() {
		t.Fatalf("expected Allow decision, got %+v", got.Decision)
	}
	if len(got.RequestHeaderOps) != 1 || got.RequestHeaderOps[0].Name != "x-test-agent" {
		t.Fatalf("header ops not preserved: %+v", got.RequestHeaderOps)
	}
}

func TestAgentResponseRoundTripMsgPack(t *testing.T) {
	orig := AgentResponse{Version: ProtocolVersion, Decision: Block(403).WithBody("blocked")}
	data, err := EncodeAgentResponse(EncodingMsgPack, orig)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeAgentResponse(EncodingMsgPack, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Decision.Kind != DecisionBlock || got.Decision.Status != 403 || got.Decision.Body != "blocked" {
		t.Fatalf("decision not preserved: %+v", got.Decision)
	}
}

func TestDecisionDefaultsToAllowWhenAbsent(t *testing.T) {
	// An empty wire payload (no decision variant set) must decode to
	// Allow -- this is the confirmed safety default from DESIGN.md.
	got := fromDecisionWire(decisionWire{})
	if !got.IsAllow() {
		t.Fatalf("expected empty decision wire to decode to Allow, got %+v", got)
	}
}

func TestBodyMutationStates(t *testing.T) {
	pass := PassThroughMutation(0)
	if !pass.IsPassThrough() || pass.IsDrop() {
		t.Fatalf("pass-through mutation misclassified: %+v", pass)
	}
	if got, err := pass.Apply(0, []byte("original")); err != nil || string(got) != "original" {
		t.Fatalf("pass-through should preserve original bytes, got %q, err %v", got, err)
	}

	drop := DropMutation(1)
	if drop.IsPassThrough() || !drop.IsDrop() {
		t.Fatalf("drop mutation misclassified: %+v", drop)
	}
	if got, err := drop.Apply(1, []byte("original")); err != nil || len(got) != 0 {
		t.Fatalf("drop should yield zero bytes, got %q, err %v", got, err)
	}

	replace := ReplaceMutation(2, []byte("modified content"))
	if replace.IsPassThrough() || replace.IsDrop() {
		t.Fatalf("replace mutation misclassified: %+v", replace)
	}
	if got, err := replace.Apply(2, []byte("original")); err != nil || string(got) != "modified content" {
		t.Fatalf("replace should yield replacement bytes, got %q, err %v", got, err)
	}
}

func TestBodyMutationApplyRejectsChunkIndexMismatch(t *testing.T) {
	replace := ReplaceMutation(2, []byte("modified content"))
	if _, err := replace.Apply(3, []byte("original")); err == nil {
		t.Fatalf("expected Apply to reject a chunk_index mismatch")
	}
}

func TestDecisionStrengthOrdering(t *testing.T) {
	allow := Allow()
	redirect := Redirect("https://example.com", 302)
	block := Block(403)

	if Stronger(allow, redirect).Kind != redirect.Kind {
		t.Fatalf("redirect should be stronger than allow")
	}
	if Stronger(redirect, block).Kind != block.Kind {
		t.Fatalf("block should be stronger than redirect")
	}
	if Stronger(block, allow).Kind != block.Kind {
		t.Fatalf("block should remain stronger than allow")
	}
}

func TestWebSocketOpcodeRoundTrip(t *testing.T) {
	for _, op := range []WebSocketOpcode{OpcodeContinuation, OpcodeText, OpcodeBinary, OpcodeClose, OpcodePing, OpcodePong} {
		got, ok := OpcodeFromByte(op.AsByte())
		if !ok || got != op {
			t.Fatalf("opcode %v did not round-trip: got %v ok=%v", op, got, ok)
		}
	}
	if _, ok := OpcodeFromByte(0x3); ok {
		t.Fatalf("expected opcode 0x3 to be rejected as undefined")
	}
}

func TestNegotiateEncodingEmptyListIsJSON(t *testing.T) {
	got := NegotiateEncoding(nil, []Encoding{EncodingMsgPack, EncodingJSON})
	if got != EncodingJSON {
		t.Fatalf("expected empty preference list to negotiate JSON, got %v", got)
	}
}

func TestNegotiateEncodingPrefersFirstSupported(t *testing.T) {
	got := NegotiateEncoding([]Encoding{EncodingMsgPack, EncodingJSON}, []Encoding{EncodingJSON})
	if got != EncodingJSON {
		t.Fatalf("server without msgpack support should negotiate json, got %v", got)
	}
}

func TestRawBodyJSONBase64RoundTrip(t *testing.T) {
	orig := RawBody("hello world, with\x00binary\xffbytes")
	data, err := orig.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got RawBody
	if err := got.UnmarshalJSON(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(got) != string(orig) {
		t.Fatalf("round-trip mismatch: got %q want %q", got, orig)
	}
}

func TestRawBodyFallsBackToRawBytesOnInvalidBase64(t *testing.T) {
	var got RawBody
	if err := got.UnmarshalJSON([]byte(`"not-valid-base64!!"`)); err != nil {
		t.Fatalf("unmarshal should not error on invalid base64, got %v", err)
	}
	if string(got) != "not-valid-base64!!" {
		t.Fatalf("expected fallback to raw bytes, got %q", got)
	}
}
