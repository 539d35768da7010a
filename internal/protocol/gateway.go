package protocol

import (
	"encoding/binary"
	"fmt"
)

// GatewayHeaderSize is the fixed size of the binary header an MQTT gateway
// prefixes to every relayed audio frame.
const GatewayHeaderSize = 16

// Gateway frame types.
const (
	GatewayFrameAudio byte = 0x01
)

// GatewayFrame is one audio frame relayed through an MQTT gateway, carrying
// sequencing metadata the direct WebSocket path does not need.
//
// Wire layout, big endian:
//
//	type:1  reserved:1  payload_len:2  sequence:4  timestamp:4  opus_len:4
type GatewayFrame struct {
	Type       byte
	PayloadLen uint16
	Sequence   uint32
	Timestamp  uint32
	Payload    []byte
}

// ParseGatewayFrame decodes a gateway-framed binary message.
func ParseGatewayFrame(data []byte) (*GatewayFrame, error) {
	if len(data) < GatewayHeaderSize {
		return nil, fmt.Errorf("gateway frame too short: %d bytes", len(data))
	}

	frame := &GatewayFrame{
		Type:       data[0],
		PayloadLen: binary.BigEndian.Uint16(data[2:4]),
		Sequence:   binary.BigEndian.Uint32(data[4:8]),
		Timestamp:  binary.BigEndian.Uint32(data[8:12]),
	}

	opusLen := binary.BigEndian.Uint32(data[12:16])
	if int(opusLen) > len(data)-GatewayHeaderSize {
		return nil, fmt.Errorf("gateway frame opus length %d exceeds payload %d", opusLen, len(data)-GatewayHeaderSize)
	}
	frame.Payload = data[GatewayHeaderSize : GatewayHeaderSize+int(opusLen)]

	return frame, nil
}

// EncodeGatewayFrame builds the wire form of a gateway audio frame.
func EncodeGatewayFrame(frame *GatewayFrame) []byte {
	buf := make([]byte, GatewayHeaderSize+len(frame.Payload))
	buf[0] = frame.Type
	binary.BigEndian.PutUint16(buf[2:4], frame.PayloadLen)
	binary.BigEndian.PutUint32(buf[4:8], frame.Sequence)
	binary.BigEndian.PutUint32(buf[8:12], frame.Timestamp)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(frame.Payload)))
	copy(buf[GatewayHeaderSize:], frame.Payload)
	return buf
}
