package meshcore

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeContactRecord(t *testing.T) {
	w := contactWire{
		Type:       byte(ContactRepeater),
		LastAdvert: 1700000000,
		AdvLat:     52520000,  // 52.52
		AdvLon:     13405000,  // 13.405
		LastMod:    1700000100,
	}
	for i := range w.PublicKey {
		w.PublicKey[i] = byte(i)
	}
	copy(w.AdvName[:], "BerlinRelay")

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, w))

	ev := Decode(append([]byte{RespContact}, buf.Bytes()...))
	ce, ok := ev.(ContactEvent)
	require.True(t, ok, "got %T", ev)

	assert.Equal(t, ContactRepeater, ce.Contact.Type)
	assert.Equal(t, "BerlinRelay", ce.Contact.Name)
	assert.Equal(t, w.PublicKey, ce.Contact.PublicKey)
	assert.Equal(t, int64(1700000000), ce.Contact.LastAdvert.Unix())
	assert.True(t, ce.Contact.HasPosition)
	assert.InDelta(t, 52.52, ce.Contact.Lat, 1e-6)
	assert.InDelta(t, 13.405, ce.Contact.Lon, 1e-6)
}

func TestDecodeSelfInfo(t *testing.T) {
	body := make([]byte, 56)
	body[0] = 22 // tx power
	body[1] = 30
	for i := 0; i < 32; i++ {
		body[2+i] = 0xaa
	}
	binary.LittleEndian.PutUint32(body[34:38], uint32(int32(48137000))) // 48.137
	binary.LittleEndian.PutUint32(body[38:42], uint32(int32(11575000)))
	binary.LittleEndian.PutUint32(body[46:50], 869525) // kHz
	binary.LittleEndian.PutUint32(body[50:54], 250)
	body[54] = 11 // sf
	body[55] = 5  // cr
	body = append(body, []byte("basecamp\x00junk")...)

	ev := Decode(append([]byte{RespSelfInfo}, body...))
	si, ok := ev.(SelfInfoEvent)
	require.True(t, ok, "got %T", ev)

	assert.Equal(t, 22, si.TxPower)
	assert.Equal(t, "basecamp", si.Name)
	assert.Equal(t, uint32(869525), si.RadioFreqKHz)
	assert.Equal(t, 11, si.SpreadingFactor)
	assert.InDelta(t, 48.137, si.Lat, 1e-6)
}

func TestDecodeContactMessage(t *testing.T) {
	body := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06} // sender prefix
	body = append(body, 2, 0)                           // path len, txt type
	ts := make([]byte, 4)
	binary.LittleEndian.PutUint32(ts, 1700000000)
	body = append(body, ts...)
	body = append(body, []byte("hello mesh")...)

	ev := Decode(append([]byte{RespContactMsgRecv}, body...))
	cm, ok := ev.(ContactMessageEvent)
	require.True(t, ok, "got %T", ev)

	assert.Equal(t, [PubKeyPrefixLen]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, cm.PubKeyPrefix)
	assert.Equal(t, byte(2), cm.PathLen)
	assert.Equal(t, "hello mesh", cm.Text)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), cm.SenderTime)
}

func TestDecodeSent(t *testing.T) {
	body := []byte{0x00}
	ack := make([]byte, 8)
	binary.LittleEndian.PutUint32(ack[:4], 0xdeadbeef)
	binary.LittleEndian.PutUint32(ack[4:], 12000)
	body = append(body, ack...)

	ev := Decode(append([]byte{RespSent}, body...))
	se, ok := ev.(SentEvent)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, uint32(0xdeadbeef), se.AckCode)
	assert.Equal(t, uint32(12000), se.EstTimeoutMs)
}

func TestDecodeStatusResponse(t *testing.T) {
	stats := RepeaterStats{
		BatteryMillivolts: 4100,
		TxQueueLen:        3,
		LastRSSI:          -92,
		NumRecv:           1234,
		UptimeSecs:        86400,
		LastSNR:           -22, // -5.5 dB
	}
	var buf bytes.Buffer
	buf.WriteByte(0) // reserved
	buf.Write([]byte{0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f})
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, stats))

	ev := Decode(append([]byte{PushStatusResponse}, buf.Bytes()...))
	sr, ok := ev.(StatusResponseEvent)
	require.True(t, ok, "got %T", ev)

	assert.Equal(t, [PubKeyPrefixLen]byte{0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f}, sr.PubKeyPrefix)
	assert.Equal(t, stats, sr.Stats)
}

func TestDecodeMalformedFallsBackToRaw(t *testing.T) {
	ev := Decode([]byte{RespContactsStart, 0x01}) // count truncated
	raw, ok := ev.(RawEvent)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, byte(RespContactsStart), raw.Code)
}

func TestDecodeUnknownCode(t *testing.T) {
	ev := Decode([]byte{0x7f, 0x01, 0x02})
	raw, ok := ev.(RawEvent)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, byte(0x7f), raw.Code)
	assert.Equal(t, KindRawUnrecognized, raw.Kind())
}
