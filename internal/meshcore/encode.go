package meshcore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// AppStart builds the session handshake command. The node answers with a
// SELF_INFO frame.
func AppStart(appName string) []byte {
	buf := bytes.NewBuffer([]byte{CmdAppStart, 0x01}) // protocol version 1
	buf.Write(make([]byte, 6))                        // reserved
	buf.WriteString(appName)
	return buf.Bytes()
}

// DeviceQuery builds the firmware/hardware info request.
func DeviceQuery() []byte {
	return []byte{CmdDeviceQuery, 0x01}
}

// GetContacts builds a full contact-list request. The node streams
// CONTACTS_START, one CONTACT per entry, then END_OF_CONTACTS.
func GetContacts() []byte {
	return []byte{CmdGetContacts}
}

// GetBatteryVoltage builds the local battery request.
func GetBatteryVoltage() []byte {
	return []byte{CmdGetBatteryVoltage}
}

// SyncNextMessage pulls the next queued message; the node answers with a
// contact message, a channel message, or NO_MORE_MESSAGES.
func SyncNextMessage() []byte {
	return []byte{CmdSyncNextMessage}
}

// GetChannel builds a channel-slot query.
func GetChannel(idx int) []byte {
	return []byte{CmdGetChannel, byte(idx)}
}

// SendSelfAdvert builds a self advertisement, either zero-hop or
// flood-routed.
func SendSelfAdvert(flood bool) []byte {
	flavor := AdvertZeroHop
	if flood {
		flavor = AdvertFlood
	}
	return []byte{CmdSendSelfAdvert, flavor}
}

// SendTxtMsg builds a direct text message addressed by public-key prefix.
func SendTxtMsg(prefix [PubKeyPrefixLen]byte, text string, at time.Time) []byte {
	buf := bytes.NewBuffer([]byte{CmdSendTxtMsg, 0x00, 0x00}) // plain text, first attempt
	binary.Write(buf, binary.LittleEndian, uint32(at.Unix())) //nolint:errcheck
	buf.Write(prefix[:])
	buf.WriteString(text)
	return buf.Bytes()
}

// SendChannelTxtMsg builds a channel text message.
func SendChannelTxtMsg(channelIdx int, text string, at time.Time) []byte {
	buf := bytes.NewBuffer([]byte{CmdSendChannelTxtMsg, 0x00, byte(channelIdx)})
	binary.Write(buf, binary.LittleEndian, uint32(at.Unix())) //nolint:errcheck
	buf.WriteString(text)
	return buf.Bytes()
}

// SendLogin builds a repeater/room-server login. An empty password requests
// a guest login.
func SendLogin(publicKey [32]byte, password string) []byte {
	buf := bytes.NewBuffer([]byte{CmdSendLogin})
	buf.Write(publicKey[:])
	buf.WriteString(password)
	return buf.Bytes()
}

// SendStatusReq builds a repeater status (telemetry) request.
func SendStatusReq(publicKey [32]byte) []byte {
	buf := bytes.NewBuffer([]byte{CmdSendStatusReq})
	buf.Write(publicKey[:])
	return buf.Bytes()
}

// GetDeviceTime builds a device clock query.
func GetDeviceTime() []byte {
	return []byte{CmdGetDeviceTime}
}

// SetDeviceTime builds a clock synchronization command.
func SetDeviceTime(at time.Time) []byte {
	buf := bytes.NewBuffer([]byte{CmdSetDeviceTime})
	binary.Write(buf, binary.LittleEndian, uint32(at.Unix())) //nolint:errcheck
	return buf.Bytes()
}

// SetChannel builds a channel-slot configuration command. The secret must
// be exactly 16 bytes.
func SetChannel(idx int, name string, secret []byte) ([]byte, error) {
	if len(secret) != 16 {
		return nil, fmt.Errorf("meshcore: channel secret must be 16 bytes, got %d", len(secret))
	}
	buf := bytes.NewBuffer([]byte{CmdSetChannel, byte(idx)})
	nameField := make([]byte, 32)
	copy(nameField, name)
	buf.Write(nameField)
	buf.Write(secret)
	return buf.Bytes(), nil
}
