package entrystore

import (
	"encoding/binary"
	"fmt"

	"github.com/sardislabs/sardisd/internal/storage/entrystore/compression"
)

const (
	// Envelope layout: 4-byte raw length + 1-byte compressed flag + payload.
	envelopeHeaderSize = 5

	// Values below this size are stored uncompressed.
	minCompressionSize = 128
)

// encodeEnvelope wraps a value in the storage envelope, compressing when it
// pays off. Compression is kept only if it saves more than 10%.
func encodeEnvelope(compressor compression.Compressor, value []byte) []byte {
	payload := value
	compressed := false

	if len(value) > minCompressionSize && compressor.Name() != "none" {
		if c, err := compressor.Compress(value); err == nil && len(c) < len(value)*9/10 {
			payload = c
			compressed = true
		}
	}

	buf := make([]byte, envelopeHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(value)))
	if compressed {
		buf[4] = 1
	}
	copy(buf[envelopeHeaderSize:], payload)
	return buf
}

// decodeEnvelope unwraps the storage envelope and returns the raw value.
func decodeEnvelope(compressor compression.Compressor, data []byte) ([]byte, error) {
	if len(data) < envelopeHeaderSize {
		return nil, fmt.Errorf("invalid envelope size: %d", len(data))
	}

	rawLen := int(binary.LittleEndian.Uint32(data[0:4]))
	compressed := data[4] == 1
	payload := data[envelopeHeaderSize:]

	if compressed {
		return compressor.Decompress(payload, rawLen)
	}

	if len(payload) != rawLen {
		return nil, fmt.Errorf("invalid payload length: got %d, want %d", len(payload), rawLen)
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return cp, nil
}
