package meshcore

import (
	"bytes"
	"encoding/binary"
	"time"
)

// EventKind tags a decoded inbound frame.
type EventKind int

const (
	KindRawUnrecognized EventKind = iota
	KindOK
	KindErr
	KindContactsStart
	KindContact
	KindEndOfContacts
	KindSelfInfo
	KindSent
	KindContactMessage
	KindChannelMessage
	KindCurrTime
	KindNoMoreMessages
	KindBatteryVoltage
	KindDeviceInfo
	KindChannelInfo
	KindAdvert
	KindSendConfirmed
	KindMsgWaiting
	KindLoginSuccess
	KindLoginFailed
	KindStatusResponse
)

func (k EventKind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindErr:
		return "err"
	case KindContactsStart:
		return "contacts_start"
	case KindContact:
		return "contact"
	case KindEndOfContacts:
		return "end_of_contacts"
	case KindSelfInfo:
		return "self_info"
	case KindSent:
		return "sent"
	case KindContactMessage:
		return "contact_message"
	case KindChannelMessage:
		return "channel_message"
	case KindCurrTime:
		return "curr_time"
	case KindNoMoreMessages:
		return "no_more_messages"
	case KindBatteryVoltage:
		return "battery_voltage"
	case KindDeviceInfo:
		return "device_info"
	case KindChannelInfo:
		return "channel_info"
	case KindAdvert:
		return "advert"
	case KindSendConfirmed:
		return "send_confirmed"
	case KindMsgWaiting:
		return "msg_waiting"
	case KindLoginSuccess:
		return "login_success"
	case KindLoginFailed:
		return "login_failed"
	case KindStatusResponse:
		return "status_response"
	default:
		return "raw_unrecognized"
	}
}

// Event is a decoded inbound frame.
type Event interface {
	Kind() EventKind
}

// RawEvent carries any frame the codec does not recognize or could not
// parse. Callers log and drop these; they are never fatal.
type RawEvent struct {
	Code    byte
	Payload []byte
}

func (RawEvent) Kind() EventKind { return KindRawUnrecognized }

// OKEvent acknowledges a command with no payload.
type OKEvent struct{}

func (OKEvent) Kind() EventKind { return KindOK }

// ErrEvent reports an explicit firmware failure.
type ErrEvent struct {
	Code byte
}

func (ErrEvent) Kind() EventKind { return KindErr }

// ContactsStartEvent opens a contact-list stream.
type ContactsStartEvent struct {
	Count uint32
}

func (ContactsStartEvent) Kind() EventKind { return KindContactsStart }

// ContactInfo is one parsed contact-list entry or advert.
type ContactInfo struct {
	PublicKey   [32]byte
	Type        ContactType
	Name        string
	LastAdvert  time.Time
	HasPosition bool
	Lat         float64
	Lon         float64
	LastMod     time.Time
}

// ContactEvent is one entry of a contact-list stream.
type ContactEvent struct {
	Contact ContactInfo
}

func (ContactEvent) Kind() EventKind { return KindContact }

// EndOfContactsEvent terminates a contact-list stream.
type EndOfContactsEvent struct{}

func (EndOfContactsEvent) Kind() EventKind { return KindEndOfContacts }

// SelfInfoEvent carries the local node's identity and radio parameters.
type SelfInfoEvent struct {
	TxPower         int
	MaxTxPower      int
	PublicKey       [32]byte
	Lat             float64
	Lon             float64
	RadioFreqKHz    uint32
	RadioBwKHz      uint32
	SpreadingFactor int
	CodingRate      int
	Name            string
}

func (SelfInfoEvent) Kind() EventKind { return KindSelfInfo }

// SentEvent acknowledges a queued outbound message with the ack code a
// later SendConfirmedEvent will reference.
type SentEvent struct {
	Result       int8
	AckCode      uint32
	EstTimeoutMs uint32
}

func (SentEvent) Kind() EventKind { return KindSent }

// ContactMessageEvent is a direct message pulled from the node.
type ContactMessageEvent struct {
	PubKeyPrefix [PubKeyPrefixLen]byte
	PathLen      byte
	TxtType      byte
	SenderTime   time.Time
	Text         string
}

func (ContactMessageEvent) Kind() EventKind { return KindContactMessage }

// ChannelMessageEvent is a channel message pulled from the node.
type ChannelMessageEvent struct {
	ChannelIdx int8
	PathLen    byte
	TxtType    byte
	SenderTime time.Time
	Text       string
}

func (ChannelMessageEvent) Kind() EventKind { return KindChannelMessage }

// CurrTimeEvent reports the device clock.
type CurrTimeEvent struct {
	Time time.Time
}

func (CurrTimeEvent) Kind() EventKind { return KindCurrTime }

// NoMoreMessagesEvent terminates a message sync loop.
type NoMoreMessagesEvent struct{}

func (NoMoreMessagesEvent) Kind() EventKind { return KindNoMoreMessages }

// BatteryVoltageEvent reports the local battery in millivolts.
type BatteryVoltageEvent struct {
	Millivolts uint16
}

func (BatteryVoltageEvent) Kind() EventKind { return KindBatteryVoltage }

// DeviceInfoEvent reports firmware and hardware identity.
type DeviceInfoEvent struct {
	FirmwareVer     int
	MaxContacts     int
	MaxChannels     int
	FirmwareBuild   string
	Model           string
	FirmwareVersion string
}

func (DeviceInfoEvent) Kind() EventKind { return KindDeviceInfo }

// ChannelInfoEvent describes one configured channel slot.
type ChannelInfoEvent struct {
	Index  int
	Name   string
	Secret []byte
}

func (ChannelInfoEvent) Kind() EventKind { return KindChannelInfo }

// AdvertEvent is an unsolicited sighting of another node. Plain adverts
// carry only the public key; rich adverts include the contact record.
type AdvertEvent struct {
	PublicKey   [32]byte
	Name        string
	Type        ContactType
	HasPosition bool
	Lat         float64
	Lon         float64
	Time        time.Time
}

func (AdvertEvent) Kind() EventKind { return KindAdvert }

// SendConfirmedEvent reports end-to-end delivery of an earlier message.
type SendConfirmedEvent struct {
	AckCode     uint32
	RoundTripMs uint32
}

func (SendConfirmedEvent) Kind() EventKind { return KindSendConfirmed }

// MsgWaitingEvent signals queued messages ready to be synced.
type MsgWaitingEvent struct{}

func (MsgWaitingEvent) Kind() EventKind { return KindMsgWaiting }

// LoginSuccessEvent confirms a repeater/room-server login.
type LoginSuccessEvent struct {
	PubKeyPrefix [PubKeyPrefixLen]byte
}

func (LoginSuccessEvent) Kind() EventKind { return KindLoginSuccess }

// LoginFailedEvent reports a rejected repeater/room-server login.
type LoginFailedEvent struct {
	PubKeyPrefix [PubKeyPrefixLen]byte
}

func (LoginFailedEvent) Kind() EventKind { return KindLoginFailed }

// RepeaterStats is the telemetry block of a repeater status response.
type RepeaterStats struct {
	BatteryMillivolts uint16
	TxQueueLen        uint16
	FreeQueueLen      uint16
	LastRSSI          int16
	NumRecv           uint32
	NumSent           uint32
	AirtimeSecs       uint32
	UptimeSecs        uint32
	SentFlood         uint32
	SentDirect        uint32
	RecvFlood         uint32
	RecvDirect        uint32
	FullEvents        uint16
	LastSNR           int16 // dB * 4
	DirectDups        uint16
	FloodDups         uint16
}

// StatusResponseEvent is a repeater's reply to a status request.
type StatusResponseEvent struct {
	PubKeyPrefix [PubKeyPrefixLen]byte
	Stats        RepeaterStats
}

func (StatusResponseEvent) Kind() EventKind { return KindStatusResponse }

// contactWire is the on-wire contact record layout (little endian).
type contactWire struct {
	PublicKey  [32]byte
	Type       byte
	Flags      byte
	OutPathLen int8
	OutPath    [64]byte
	AdvName    [32]byte
	LastAdvert uint32
	AdvLat     int32
	AdvLon     int32
	LastMod    uint32
}

// Decode turns a complete inbound payload into a typed Event. Frames that
// are unknown or too short for their advertised type decode to RawEvent so
// the caller can log and drop them without tearing the stream down.
func Decode(frame []byte) Event {
	if len(frame) == 0 {
		return RawEvent{}
	}
	code := frame[0]
	body := frame[1:]

	switch code {
	case RespOK:
		return OKEvent{}

	case RespErr:
		ev := ErrEvent{}
		if len(body) >= 1 {
			ev.Code = body[0]
		}
		return ev

	case RespContactsStart:
		if len(body) < 4 {
			return RawEvent{Code: code, Payload: body}
		}
		return ContactsStartEvent{Count: binary.LittleEndian.Uint32(body[:4])}

	case RespContact:
		var w contactWire
		if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, &w); err != nil {
			return RawEvent{Code: code, Payload: body}
		}
		return ContactEvent{Contact: w.info()}

	case RespEndOfContacts:
		return EndOfContactsEvent{}

	case RespSelfInfo:
		return decodeSelfInfo(code, body)

	case RespSent:
		if len(body) < 9 {
			return RawEvent{Code: code, Payload: body}
		}
		return SentEvent{
			Result:       int8(body[0]),
			AckCode:      binary.LittleEndian.Uint32(body[1:5]),
			EstTimeoutMs: binary.LittleEndian.Uint32(body[5:9]),
		}

	case RespContactMsgRecv:
		if len(body) < PubKeyPrefixLen+6 {
			return RawEvent{Code: code, Payload: body}
		}
		ev := ContactMessageEvent{
			PathLen:    body[PubKeyPrefixLen],
			TxtType:    body[PubKeyPrefixLen+1],
			SenderTime: time.Unix(int64(binary.LittleEndian.Uint32(body[PubKeyPrefixLen+2:PubKeyPrefixLen+6])), 0).UTC(),
			Text:       string(body[PubKeyPrefixLen+6:]),
		}
		copy(ev.PubKeyPrefix[:], body[:PubKeyPrefixLen])
		return ev

	case RespChannelMsgRecv:
		if len(body) < 7 {
			return RawEvent{Code: code, Payload: body}
		}
		return ChannelMessageEvent{
			ChannelIdx: int8(body[0]),
			PathLen:    body[1],
			TxtType:    body[2],
			SenderTime: time.Unix(int64(binary.LittleEndian.Uint32(body[3:7])), 0).UTC(),
			Text:       string(body[7:]),
		}

	case RespCurrTime:
		if len(body) < 4 {
			return RawEvent{Code: code, Payload: body}
		}
		return CurrTimeEvent{Time: time.Unix(int64(binary.LittleEndian.Uint32(body[:4])), 0).UTC()}

	case RespNoMoreMessages:
		return NoMoreMessagesEvent{}

	case RespBatteryVoltage:
		if len(body) < 2 {
			return RawEvent{Code: code, Payload: body}
		}
		return BatteryVoltageEvent{Millivolts: binary.LittleEndian.Uint16(body[:2])}

	case RespDeviceInfo:
		return decodeDeviceInfo(code, body)

	case RespChannelInfo:
		if len(body) < 33 {
			return RawEvent{Code: code, Payload: body}
		}
		ev := ChannelInfoEvent{Index: int(body[0]), Name: cstr(body[1:33])}
		if len(body) >= 49 {
			ev.Secret = append([]byte(nil), body[33:49]...)
		}
		return ev

	case PushAdvert:
		if len(body) < 32 {
			return RawEvent{Code: code, Payload: body}
		}
		ev := AdvertEvent{Time: time.Now().UTC()}
		copy(ev.PublicKey[:], body[:32])
		return ev

	case PushNewAdvert:
		var w contactWire
		if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, &w); err != nil {
			// Short rich advert: fall back to the bare public key.
			if len(body) >= 32 {
				ev := AdvertEvent{Time: time.Now().UTC()}
				copy(ev.PublicKey[:], body[:32])
				return ev
			}
			return RawEvent{Code: code, Payload: body}
		}
		info := w.info()
		return AdvertEvent{
			PublicKey:   info.PublicKey,
			Name:        info.Name,
			Type:        info.Type,
			HasPosition: info.HasPosition,
			Lat:         info.Lat,
			Lon:         info.Lon,
			Time:        time.Now().UTC(),
		}

	case PushSendConfirmed:
		if len(body) < 8 {
			return RawEvent{Code: code, Payload: body}
		}
		return SendConfirmedEvent{
			AckCode:     binary.LittleEndian.Uint32(body[:4]),
			RoundTripMs: binary.LittleEndian.Uint32(body[4:8]),
		}

	case PushMsgWaiting:
		return MsgWaitingEvent{}

	case PushLoginSuccess:
		if len(body) < PubKeyPrefixLen+1 {
			return RawEvent{Code: code, Payload: body}
		}
		ev := LoginSuccessEvent{}
		copy(ev.PubKeyPrefix[:], body[1:1+PubKeyPrefixLen])
		return ev

	case PushLoginFailed:
		if len(body) < PubKeyPrefixLen+1 {
			return RawEvent{Code: code, Payload: body}
		}
		ev := LoginFailedEvent{}
		copy(ev.PubKeyPrefix[:], body[1:1+PubKeyPrefixLen])
		return ev

	case PushStatusResponse:
		if len(body) < 1+PubKeyPrefixLen+repeaterStatsLen {
			return RawEvent{Code: code, Payload: body}
		}
		ev := StatusResponseEvent{}
		copy(ev.PubKeyPrefix[:], body[1:1+PubKeyPrefixLen])
		if err := binary.Read(bytes.NewReader(body[1+PubKeyPrefixLen:]), binary.LittleEndian, &ev.Stats); err != nil {
			return RawEvent{Code: code, Payload: body}
		}
		return ev

	default:
		return RawEvent{Code: code, Payload: body}
	}
}

const repeaterStatsLen = 48 // binary.Size of RepeaterStats

func (w contactWire) info() ContactInfo {
	info := ContactInfo{
		PublicKey:  w.PublicKey,
		Type:       ContactType(w.Type),
		Name:       cstr(w.AdvName[:]),
		LastAdvert: time.Unix(int64(w.LastAdvert), 0).UTC(),
		LastMod:    time.Unix(int64(w.LastMod), 0).UTC(),
	}
	if w.AdvLat != 0 || w.AdvLon != 0 {
		info.HasPosition = true
		info.Lat = float64(w.AdvLat) / 1e6
		info.Lon = float64(w.AdvLon) / 1e6
	}
	return info
}

func decodeSelfInfo(code byte, body []byte) Event {
	// Layout: tx_power, max_tx_power, pubkey[32], adv_lat i32, adv_lon i32,
	// reserved[3], manual_add, radio_freq u32, radio_bw u32, sf, cr, name...
	if len(body) < 56 {
		return RawEvent{Code: code, Payload: body}
	}
	ev := SelfInfoEvent{
		TxPower:         int(body[0]),
		MaxTxPower:      int(body[1]),
		Lat:             float64(int32(binary.LittleEndian.Uint32(body[34:38]))) / 1e6,
		Lon:             float64(int32(binary.LittleEndian.Uint32(body[38:42]))) / 1e6,
		RadioFreqKHz:    binary.LittleEndian.Uint32(body[46:50]),
		RadioBwKHz:      binary.LittleEndian.Uint32(body[50:54]),
		SpreadingFactor: int(body[54]),
		CodingRate:      int(body[55]),
	}
	copy(ev.PublicKey[:], body[2:34])
	if len(body) > 56 {
		ev.Name = cstr(body[56:])
	}
	return ev
}

func decodeDeviceInfo(code byte, body []byte) Event {
	if len(body) < 1 {
		return RawEvent{Code: code, Payload: body}
	}
	ev := DeviceInfoEvent{FirmwareVer: int(body[0])}
	if len(body) >= 2 {
		ev.MaxContacts = int(body[1]) * 2
	}
	if len(body) >= 3 {
		ev.MaxChannels = int(body[2])
	}
	// Older firmware stops here; newer appends build, model and version.
	if len(body) < 59 {
		return ev
	}
	idx := 7 // firmware ver + max contacts + max channels + 4 reserved
	ev.FirmwareBuild = cstr(body[idx : idx+12])
	idx += 12
	ev.Model = cstr(body[idx : idx+40])
	idx += 40
	ev.FirmwareVersion = cstr(body[idx:])
	return ev
}

// cstr extracts a NUL-terminated string from a fixed-width field.
func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimSpace(b))
}
