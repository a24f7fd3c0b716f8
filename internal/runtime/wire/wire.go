// Package wire implements the schema-registry payload envelope: a format
// marker byte, the big-endian schema id and the raw payload. The layout is
// compatible with Confluent's wire format.
package wire

import "encoding/binary"

const (
	// MagicByte marks the envelope format. Other values are reserved.
	MagicByte byte = 0x00

	// HeaderSize is the number of bytes preceding the payload.
	HeaderSize = 5
)

// Envelope is a decoded wire buffer.
type Envelope struct {
	MagicByte byte
	SchemaID  int32
	Data      []byte
}

// Encode prefixes payload with the magic byte and schemaID.
func Encode(schemaID int32, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = MagicByte
	binary.BigEndian.PutUint32(buf[1:HeaderSize], uint32(schemaID))
	copy(buf[HeaderSize:], payload)
	return buf
}

// Decode splits buf into its envelope parts. It reports false when buf is
// too short to hold the header. The magic byte is returned as found.
func Decode(buf []byte) (Envelope, bool) {
	if len(buf) < HeaderSize {
		return Envelope{}, false
	}
	return Envelope{
		MagicByte: buf[0],
		SchemaID:  int32(binary.BigEndian.Uint32(buf[1:HeaderSize])),
		Data:      buf[HeaderSize:],
	}, true
}
