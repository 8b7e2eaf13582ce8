// Package meshcore implements the companion-radio serial protocol spoken by
// MeshCore node firmware: stream framing, command encoding, and decoding of
// solicited responses and unsolicited push frames.
package meshcore

// Command codes (host → node).
const (
	CmdAppStart          byte = 0x01
	CmdSendTxtMsg        byte = 0x02
	CmdSendChannelTxtMsg byte = 0x03
	CmdGetContacts       byte = 0x04
	CmdGetDeviceTime     byte = 0x05
	CmdSetDeviceTime     byte = 0x06
	CmdSendSelfAdvert    byte = 0x07
	CmdSetAdvertName     byte = 0x08
	CmdSyncNextMessage   byte = 0x0A
	CmdGetBatteryVoltage byte = 0x14
	CmdDeviceQuery       byte = 0x16
	CmdSendLogin         byte = 0x1A
	CmdSendStatusReq     byte = 0x1B
	CmdGetChannel        byte = 0x1F
	CmdSetChannel        byte = 0x20
)

// Response codes (node → host, solicited).
const (
	RespOK             byte = 0x00
	RespErr            byte = 0x01
	RespContactsStart  byte = 0x02
	RespContact        byte = 0x03
	RespEndOfContacts  byte = 0x04
	RespSelfInfo       byte = 0x05
	RespSent           byte = 0x06
	RespContactMsgRecv byte = 0x07
	RespChannelMsgRecv byte = 0x08
	RespCurrTime       byte = 0x09
	RespNoMoreMessages byte = 0x0A
	RespBatteryVoltage byte = 0x0C
	RespDeviceInfo     byte = 0x0D
	RespChannelInfo    byte = 0x12
)

// Push codes (node → host, unsolicited). All are >= 0x80.
const (
	PushAdvert         byte = 0x80
	PushPathUpdated    byte = 0x81
	PushSendConfirmed  byte = 0x82
	PushMsgWaiting     byte = 0x83
	PushRawData        byte = 0x84
	PushLoginSuccess   byte = 0x85
	PushLoginFailed    byte = 0x86
	PushStatusResponse byte = 0x87
	PushLogRxData      byte = 0x88
	PushNewAdvert      byte = 0x8A
	PushTelemetry      byte = 0x8B
)

// Self-advert flavours for CmdSendSelfAdvert.
const (
	AdvertZeroHop byte = 0x00
	AdvertFlood   byte = 0x01
)

// ContactType classifies a mesh participant.
type ContactType byte

const (
	ContactClient     ContactType = 1
	ContactRepeater   ContactType = 2
	ContactRoomServer ContactType = 3
)

func (t ContactType) String() string {
	switch t {
	case ContactClient:
		return "client"
	case ContactRepeater:
		return "repeater"
	case ContactRoomServer:
		return "room_server"
	default:
		return "unknown"
	}
}

// PubKeyPrefixLen is the number of public-key bytes used to address a
// contact on the wire. Callers may resolve contacts from longer hex
// prefixes, but frames always carry exactly this many bytes.
const PubKeyPrefixLen = 6
