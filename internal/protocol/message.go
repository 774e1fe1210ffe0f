// Package protocol implements the wire format multiplexed over a single
// websocket control channel between one broker and one agent.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// frame type tags for the tunnel wire protocol.
const (
	TypeRegister    uint8 = 1
	TypeRegisterAck uint8 = 2
	TypeOpen        uint8 = 3
	TypeData        uint8 = 4
	TypeClose       uint8 = 5
	TypePing        uint8 = 6
	TypePong        uint8 = 7
)

// TypeName returns a human-readable label for a frame type, for logging.
func TypeName(t uint8) string {
	switch t {
	case TypeRegister:
		return "REGISTER"
	case TypeRegisterAck:
		return "REGISTER_ACK"
	case TypeOpen:
		return "OPEN"
	case TypeData:
		return "DATA"
	case TypeClose:
		return "CLOSE"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", t)
	}
}

// HeaderSize is the fixed header: 1 byte type + 4 byte stream id + 4 byte
// payload length.
const HeaderSize = 9

// MaxFrameBytes bounds a single DATA frame's payload.
const MaxFrameBytes = 32 * 1024

// Frame is a single self-describing wire-protocol frame.
type Frame struct {
	Type     uint8
	StreamID uint32
	Payload  []byte
}

// TunnelSpec is one requested (or bound) tunnel, parsed from a colon-delimited
// agent CLI spec or carried over the wire inside a REGISTER/REGISTER_ACK.
type TunnelSpec struct {
	Proto      string `json:"proto"`
	LocalHost  string `json:"local_host"`
	LocalPort  uint16 `json:"local_port"`
	RemotePort uint16 `json:"remote_port"`
}

// RegisterPayload is the structured record carried by a REGISTER frame.
type RegisterPayload struct {
	Name    string       `json:"name"`
	Token   string       `json:"token,omitempty"`
	Tunnels []TunnelSpec `json:"tunnels"`
}

// RegisterAckPayload is the structured record carried by a REGISTER_ACK frame.
type RegisterAckPayload struct {
	OK         bool     `json:"ok"`
	SessionID  string   `json:"session_id,omitempty"`
	BoundPorts []uint16 `json:"bound_ports,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// OpenPayload is the structured record carried by an OPEN frame.
type OpenPayload struct {
	StreamID   uint32 `json:"stream_id"`
	RemotePort uint16 `json:"remote_port"`
	PeerAddr   string `json:"peer_addr,omitempty"`
}

// close reasons, carried as a short enum-ish string in ClosePayload.
const (
	ReasonEOF        = "eof"
	ReasonReset      = "reset"
	ReasonNoTunnel   = "no-tunnel"
	ReasonDialFailed = "dial-failed"
	ReasonLocalClose = "local-close"
)

// ClosePayload is the structured record carried by a CLOSE frame.
type ClosePayload struct {
	StreamID uint32 `json:"stream_id"`
	Reason   string `json:"reason,omitempty"`
}

// EncodeRegister builds a REGISTER frame from a payload.
func EncodeRegister(p RegisterPayload) (*Frame, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshalling register payload: %w", err)
	}
	return &Frame{Type: TypeRegister, Payload: data}, nil
}

// DecodeRegister parses a REGISTER frame's payload.
func DecodeRegister(f *Frame) (RegisterPayload, error) {
	var p RegisterPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return p, fmt.Errorf("unmarshalling register payload: %w", err)
	}
	return p, nil
}

// EncodeRegisterAck builds a REGISTER_ACK frame from a payload.
func EncodeRegisterAck(p RegisterAckPayload) (*Frame, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshalling register ack payload: %w", err)
	}
	return &Frame{Type: TypeRegisterAck, Payload: data}, nil
}

// DecodeRegisterAck parses a REGISTER_ACK frame's payload.
func DecodeRegisterAck(f *Frame) (RegisterAckPayload, error) {
	var p RegisterAckPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return p, fmt.Errorf("unmarshalling register ack payload: %w", err)
	}
	return p, nil
}

// EncodeOpen builds an OPEN frame from a payload.
func EncodeOpen(p OpenPayload) (*Frame, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshalling open payload: %w", err)
	}
	return &Frame{Type: TypeOpen, StreamID: p.StreamID, Payload: data}, nil
}

// DecodeOpen parses an OPEN frame's payload.
func DecodeOpen(f *Frame) (OpenPayload, error) {
	var p OpenPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return p, fmt.Errorf("unmarshalling open payload: %w", err)
	}
	return p, nil
}

// EncodeClose builds a CLOSE frame from a payload.
func EncodeClose(streamID uint32, reason string) (*Frame, error) {
	data, err := json.Marshal(ClosePayload{StreamID: streamID, Reason: reason})
	if err != nil {
		return nil, fmt.Errorf("marshalling close payload: %w", err)
	}
	return &Frame{Type: TypeClose, StreamID: streamID, Payload: data}, nil
}

// DecodeClose parses a CLOSE frame's payload.
func DecodeClose(f *Frame) (ClosePayload, error) {
	var p ClosePayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return p, fmt.Errorf("unmarshalling close payload: %w", err)
	}
	return p, nil
}

// NewData builds a DATA frame carrying raw opaque bytes for a stream.
func NewData(streamID uint32, payload []byte) *Frame {
	return &Frame{Type: TypeData, StreamID: streamID, Payload: payload}
}

// encodeHeader writes the frame header into a HeaderSize-byte buffer.
func encodeHeader(buf []byte, f *Frame) {
	buf[0] = f.Type
	binary.BigEndian.PutUint32(buf[1:5], f.StreamID)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(f.Payload)))
}

// decodeHeader reads a frame header from a HeaderSize-byte buffer.
func decodeHeader(buf []byte) (msgType uint8, streamID uint32, payloadLen uint32, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, 0, fmt.Errorf("buffer too small for header: %d bytes", len(buf))
	}
	msgType = buf[0]
	streamID = binary.BigEndian.Uint32(buf[1:5])
	payloadLen = binary.BigEndian.Uint32(buf[5:9])
	return msgType, streamID, payloadLen, nil
}

// MarshalFrame serialises a frame into bytes (header + payload). It does not
// check the payload length: DATA senders cap their payloads at their own
// max frame size, and control frames carry small, fixed-shape JSON.
func MarshalFrame(f *Frame) ([]byte, error) {
	buf := make([]byte, HeaderSize+len(f.Payload))
	encodeHeader(buf, f)
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

// UnmarshalFrame deserialises bytes into a frame. An unknown type tag is a
// protocol error; the caller decides what unknown stream ids mean for DATA
// and CLOSE.
func UnmarshalFrame(data []byte) (*Frame, error) {
	msgType, streamID, payloadLen, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}
	switch msgType {
	case TypeRegister, TypeRegisterAck, TypeOpen, TypeData, TypeClose, TypePing, TypePong:
	default:
		return nil, fmt.Errorf("unknown frame type tag: %d", msgType)
	}
	totalLen := HeaderSize + int(payloadLen)
	if len(data) < totalLen {
		return nil, fmt.Errorf("data too short: have %d, need %d", len(data), totalLen)
	}
	payload := make([]byte, payloadLen)
	copy(payload, data[HeaderSize:totalLen])
	return &Frame{
		Type:     msgType,
		StreamID: streamID,
		Payload:  payload,
	}, nil
}
