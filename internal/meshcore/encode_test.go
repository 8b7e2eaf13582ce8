package meshcore

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppStart(t *testing.T) {
	payload := AppStart("meshbridge")
	require.GreaterOrEqual(t, len(payload), 8)
	assert.Equal(t, byte(CmdAppStart), payload[0])
	assert.Equal(t, byte(0x01), payload[1])
	assert.Equal(t, "meshbridge", string(payload[8:]))
}

func TestSendTxtMsgLayout(t *testing.T) {
	prefix := [PubKeyPrefixLen]byte{0xca, 0xfe, 0xba, 0xbe, 0x00, 0x01}
	at := time.Unix(1700000000, 0)

	payload := SendTxtMsg(prefix, "ping", at)
	require.Len(t, payload, 3+4+PubKeyPrefixLen+4)
	assert.Equal(t, byte(CmdSendTxtMsg), payload[0])
	assert.Equal(t, uint32(1700000000), binary.LittleEndian.Uint32(payload[3:7]))
	assert.Equal(t, prefix[:], payload[7:7+PubKeyPrefixLen])
	assert.Equal(t, "ping", string(payload[7+PubKeyPrefixLen:]))
}

func TestSendSelfAdvert(t *testing.T) {
	assert.Equal(t, []byte{CmdSendSelfAdvert, AdvertZeroHop}, SendSelfAdvert(false))
	assert.Equal(t, []byte{CmdSendSelfAdvert, AdvertFlood}, SendSelfAdvert(true))
}

func TestSendLogin(t *testing.T) {
	var pk [32]byte
	for i := range pk {
		pk[i] = byte(i)
	}
	payload := SendLogin(pk, "secret")
	assert.Equal(t, byte(CmdSendLogin), payload[0])
	assert.Equal(t, pk[:], payload[1:33])
	assert.Equal(t, "secret", string(payload[33:]))
}

func TestSetChannelSecretLength(t *testing.T) {
	_, err := SetChannel(0, "public", make([]byte, 15))
	assert.Error(t, err)

	payload, err := SetChannel(1, "public", make([]byte, 16))
	require.NoError(t, err)
	assert.Equal(t, byte(CmdSetChannel), payload[0])
	assert.Equal(t, byte(1), payload[1])
	require.Len(t, payload, 2+32+16)
}
