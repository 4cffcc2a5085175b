package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/zentinelproxy/zentinel/zerr"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"hello":"world"}`)
	if err := WriteFrame(&buf, MsgAgentRequest, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	msgType, got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msgType != MsgAgentRequest {
		t.Fatalf("got type %v, want %v", msgType, MsgAgentRequest)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got payload %q, want %q", got, payload)
	}
}

func TestFrameExactlyMaxSizeAccepted(t *testing.T) {
	var buf bytes.Buffer
	payload := make([]byte, MaxMessageSize)
	if err := WriteFrame(&buf, MsgAgentRequest, payload); err != nil {
		t.Fatalf("expected exactly-max payload to be accepted: %v", err)
	}
}

func TestFrameOverMaxSizeRejected(t *testing.T) {
	var buf bytes.Buffer
	payload := make([]byte, MaxMessageSize+1)
	err := WriteFrame(&buf, MsgAgentRequest, payload)
	if !zerr.Is(err, zerr.MessageTooLarge) {
		t.Fatalf("expected MessageTooLarge, got %v", err)
	}
}

func TestReadFrameCleanEOF(t *testing.T) {
	var buf bytes.Buffer
	_, _, err := ReadFrame(&buf)
	if err != io.EOF {
		t.Fatalf("expected io.EOF on empty reader, got %v", err)
	}
}

func TestReadFrameMidFrameErrorIsConnectionClosed(t *testing.T) {
	// A header claiming a payload that never arrives should surface as
	// ConnectionClosed, not a raw io error.
	buf := bytes.NewBuffer([]byte{byte(MsgAgentRequest), 0, 0, 0, 10, 'a', 'b'})
	_, _, err := ReadFrame(buf)
	if !zerr.Is(err, zerr.ConnectionClosed) {
		t.Fatalf("expected ConnectionClosed, got %v", err)
	}
}

func TestReadFrameOverMaxSizeRejectedByHeader(t *testing.T) {
	header := []byte{byte(MsgAgentRequest), 0xFF, 0xFF, 0xFF, 0xFF}
	buf := bytes.NewBuffer(header)
	_, _, err := ReadFrame(buf)
	if !zerr.Is(err, zerr.MessageTooLarge) {
		t.Fatalf("expected MessageTooLarge from oversized header, got %v", err)
	}
}
