package meshcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inboundFrame(payload []byte) []byte {
	frame := []byte{frameInPrefix, byte(len(payload)), byte(len(payload) >> 8)}
	return append(frame, payload...)
}

func TestEncodeFrame(t *testing.T) {
	frame, err := EncodeFrame([]byte{CmdGetContacts})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x3c, 0x01, 0x00, CmdGetContacts}, frame)
}

func TestEncodeFrameTooLarge(t *testing.T) {
	_, err := EncodeFrame(make([]byte, MaxFrameLen+1))
	assert.Error(t, err)
}

func TestFrameSplitterWholeFrame(t *testing.T) {
	var s FrameSplitter
	frames, discarded := s.Push(inboundFrame([]byte{RespOK}))
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{RespOK}, frames[0])
	assert.Zero(t, discarded)
}

func TestFrameSplitterChunkedAcrossReads(t *testing.T) {
	var s FrameSplitter
	full := inboundFrame([]byte{RespCurrTime, 0x01, 0x02, 0x03, 0x04})

	frames, _ := s.Push(full[:2])
	assert.Empty(t, frames)
	frames, _ = s.Push(full[2:5])
	assert.Empty(t, frames)
	frames, discarded := s.Push(full[5:])
	require.Len(t, frames, 1)
	assert.Equal(t, full[3:], frames[0])
	assert.Zero(t, discarded)
}

func TestFrameSplitterMultipleFramesOneChunk(t *testing.T) {
	var s FrameSplitter
	data := append(inboundFrame([]byte{RespOK}), inboundFrame([]byte{RespNoMoreMessages})...)

	frames, _ := s.Push(data)
	require.Len(t, frames, 2)
	assert.Equal(t, []byte{RespOK}, frames[0])
	assert.Equal(t, []byte{RespNoMoreMessages}, frames[1])
}

func TestFrameSplitterResyncsAfterGarbage(t *testing.T) {
	var s FrameSplitter
	data := append([]byte{0xde, 0xad, 0xbe, 0xef}, inboundFrame([]byte{RespOK})...)

	frames, discarded := s.Push(data)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{RespOK}, frames[0])
	assert.Equal(t, 4, discarded)
}

func TestFrameSplitterCorruptLength(t *testing.T) {
	var s FrameSplitter
	// Prefix followed by an impossible length, then a valid frame.
	data := []byte{frameInPrefix, 0xff, 0xff}
	data = append(data, inboundFrame([]byte{RespOK})...)

	frames, discarded := s.Push(data)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{RespOK}, frames[0])
	assert.Positive(t, discarded)
}

func TestFrameSplitterReset(t *testing.T) {
	var s FrameSplitter
	full := inboundFrame([]byte{RespOK})
	s.Push(full[:2])
	s.Reset()

	frames, _ := s.Push(inboundFrame([]byte{RespNoMoreMessages}))
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{RespNoMoreMessages}, frames[0])
}
