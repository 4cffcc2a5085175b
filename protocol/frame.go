package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zentinelproxy/zentinel/zerr"
)

// MessageType identifies the kind of payload a UDS frame carries.
type MessageType byte

const (
	MsgHandshakeRequest  MessageType = 1
	MsgHandshakeResponse MessageType = 2
	MsgAgentRequest      MessageType = 3 // union-typed by EventType, see Frame.Event
	MsgAgentResponse     MessageType = 4
	MsgPing              MessageType = 5
	MsgPong              MessageType = 6
	MsgCancel            MessageType = 7
	MsgConfigure         MessageType = 8
)

// Frame is one decoded UDS message: a type tag, the event kind when the
// type is MsgAgentRequest, and the still-encoded payload bytes.
type Frame struct {
	Type    MessageType
	Event   EventType // only meaningful when Type == MsgAgentRequest or MsgConfigure
	Payload []byte
}

// frameHeaderSize is the fixed 1-byte type + 4-byte length prefix.
const frameHeaderSize = 5

// WriteFrame writes a length-prefixed frame: 1-byte message type, 4-byte
// big-endian payload length, then the payload. Payloads larger than
// MaxMessageSize are rejected before anything is written.
func WriteFrame(w io.Writer, msgType MessageType, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return zerr.NewMessageTooLarge(uint64(len(payload)), MaxMessageSize)
	}
	header := make([]byte, frameHeaderSize)
	header[0] = byte(msgType)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return zerr.Wrap(zerr.ConnectionFailed, "write frame header", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return zerr.Wrap(zerr.ConnectionFailed, "write frame payload", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r. io.EOF at the very
// start of a frame is returned unwrapped so callers can distinguish a
// clean close from a mid-frame error; the latter is reported as
// ConnectionClosed.
func ReadFrame(r io.Reader) (MessageType, []byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, zerr.Wrap(zerr.ConnectionClosed, "read frame header", err)
	}
	msgType := MessageType(header[0])
	length := binary.BigEndian.Uint32(header[1:])
	if uint64(length) > MaxMessageSize {
		return 0, nil, zerr.NewMessageTooLarge(uint64(length), MaxMessageSize)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, zerr.Wrap(zerr.ConnectionClosed, "read frame payload", err)
		}
	}
	return msgType, payload, nil
}

// String renders a MessageType for logging.
func (t MessageType) String() string {
	switch t {
	case MsgHandshakeRequest:
		return "handshake_request"
	case MsgHandshakeResponse:
		return "handshake_response"
	case MsgAgentRequest:
		return "agent_request"
	case MsgAgentResponse:
		return "agent_response"
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	case MsgCancel:
		return "cancel"
	case MsgConfigure:
		return "configure"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}
