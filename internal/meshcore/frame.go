package meshcore

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Stream framing bytes. The host prefixes every outbound payload with '<',
// the node prefixes every inbound payload with '>'; both follow with a
// little-endian uint16 payload length.
const (
	frameOutPrefix = 0x3c
	frameInPrefix  = 0x3e
	frameHeaderLen = 3

	// MaxFrameLen bounds a single payload; anything larger is treated as
	// stream corruption.
	MaxFrameLen = 4096
)

// EncodeFrame wraps a command payload in the outbound stream framing.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameLen {
		return nil, fmt.Errorf("meshcore: payload too large: %d bytes", len(payload))
	}
	frame := make([]byte, frameHeaderLen+len(payload))
	frame[0] = frameOutPrefix
	binary.LittleEndian.PutUint16(frame[1:3], uint16(len(payload)))
	copy(frame[3:], payload)
	return frame, nil
}

// FrameSplitter reassembles inbound payloads from an arbitrary-chunked byte
// stream. It buffers partial frames across reads and resynchronizes on the
// next '>' prefix after corrupt input, so a garbled frame never poisons the
// stream.
type FrameSplitter struct {
	buf bytes.Buffer
}

// Push appends raw bytes and returns every complete payload now available,
// along with the number of bytes discarded while resynchronizing.
func (s *FrameSplitter) Push(data []byte) (frames [][]byte, discarded int) {
	s.buf.Write(data)

	for {
		raw := s.buf.Bytes()

		// Skip to the next frame prefix.
		start := bytes.IndexByte(raw, frameInPrefix)
		if start < 0 {
			discarded += len(raw)
			s.buf.Reset()
			return frames, discarded
		}
		if start > 0 {
			discarded += start
			s.buf.Next(start)
			raw = s.buf.Bytes()
		}

		if len(raw) < frameHeaderLen {
			return frames, discarded
		}
		size := int(binary.LittleEndian.Uint16(raw[1:3]))
		if size > MaxFrameLen {
			// Corrupt length; drop the prefix byte and resync.
			discarded++
			s.buf.Next(1)
			continue
		}
		if len(raw) < frameHeaderLen+size {
			return frames, discarded
		}

		payload := make([]byte, size)
		copy(payload, raw[frameHeaderLen:frameHeaderLen+size])
		s.buf.Next(frameHeaderLen + size)
		frames = append(frames, payload)
	}
}

// Reset discards buffered partial input. Called after a reconnect so a
// half-received frame from the old link cannot prepend garbage to the new
// stream.
func (s *FrameSplitter) Reset() {
	s.buf.Reset()
}
