package agentclient

import (
	"encoding/json"

	grpcencoding "google.golang.org/grpc/encoding"
)

// jsonCodecName is registered as an additional gRPC content subtype so
// agent calls can round-trip through gRPC's framing without a
// protoc-generated client stub, the same trick the teacher's
// v2/grpc_service.go uses server-side with its manual grpc.ServiceDesc.
const jsonCodecName = "zentinel-json"

// jsonFrame is the gRPC message type exchanged over the json codec: a
// raw, already-encoded protocol.AgentRequest or protocol.AgentResponse
// payload.
type jsonFrame struct {
	Data json.RawMessage
}

type jsonCodec struct{}

var _ grpcencoding.Codec = jsonCodec{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*jsonFrame)
	if !ok {
		return json.Marshal(v)
	}
	if f.Data == nil {
		return []byte("{}"), nil
	}
	return f.Data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*jsonFrame)
	if !ok {
		return json.Unmarshal(data, v)
	}
	f.Data = append(json.RawMessage(nil), data...)
	return nil
}

func (jsonCodec) Name() string { return jsonCodecName }

func init() {
	grpcencoding.RegisterCodec(jsonCodec{})
}
