// Package session drives the companion protocol conversation with one
// attached node: handshake, serialised command dispatch, periodic polling
// and unsolicited push handling.
package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	shellwords "github.com/mattn/go-shellwords"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meshcommons/meshbridge/internal/bus"
	"github.com/meshcommons/meshbridge/internal/config"
	"github.com/meshcommons/meshbridge/internal/meshcore"
	"github.com/meshcommons/meshbridge/internal/state"
	"github.com/meshcommons/meshbridge/internal/transport"
)

const (
	appName = "meshbridge"

	// maxSyncBatch caps one message drain so a chatty node cannot starve
	// the other cadences.
	maxSyncBatch = 256

	// fallbackChannelSlots is probed when the node does not report its
	// channel capacity.
	fallbackChannelSlots = 4
)

type repeaterAuth struct {
	publicKey [32]byte
	password  string
}

// Session owns the conversation with one node.
type Session struct {
	cfg *config.Config
	tr  transport.Transport
	st  *state.Manager
	bus *bus.Bus
	log *zap.Logger

	disp     *dispatcher
	syncKick chan struct{}

	// Tick sources for the poll cadences; nil means real tickers.
	messageTicks  <-chan time.Time
	deviceTicks   <-chan time.Time
	repeaterTicks <-chan time.Time

	mu        sync.Mutex
	outbox    map[uint32]string // ack code -> message ID awaiting confirmation
	repeaters map[string]repeaterAuth
}

// New wires a Session; Run starts it.
func New(cfg *config.Config, tr transport.Transport, st *state.Manager, b *bus.Bus, log *zap.Logger) *Session {
	return &Session{
		cfg:       cfg,
		tr:        tr,
		st:        st,
		bus:       b,
		log:       log,
		disp:      newDispatcher(tr, cfg.CommandTimeout, log),
		syncKick:  make(chan struct{}, 1),
		outbox:    make(map[uint32]string),
		repeaters: make(map[string]repeaterAuth),
	}
}

// Run connects the transport and blocks until ctx is cancelled or the
// transport fails permanently.
func (s *Session) Run(ctx context.Context) error {
	if err := s.tr.Connect(); err != nil {
		return fmt.Errorf("session: connect: %w", err)
	}
	defer s.tr.Disconnect() //nolint:errcheck

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(ctx) })
	g.Go(func() error { return s.stateLoop(ctx) })
	g.Go(func() error { return s.runScheduler(ctx) })
	g.Go(func() error { return s.kickLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ── loops ─────────────────────────────────────────────────────────────────

func (s *Session) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-s.tr.Frames():
			if !ok {
				return &meshcore.ConnError{Kind: meshcore.ConnKindExhausted, Err: meshcore.ErrConnectionLost}
			}
			ev := meshcore.Decode(frame)
			if s.disp.HandleFrame(ev) {
				continue
			}
			s.handlePush(ev)
		}
	}
}

func (s *Session) stateLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-s.tr.States():
			if !ok {
				return nil
			}
			s.log.Info("session: transport state", zap.String("state", st.String()))
			switch st {
			case transport.StateConnected:
				s.disp.Reset()
				if err := s.handshake(ctx); err != nil {
					s.log.Error("session: handshake failed", zap.Error(err))
					continue
				}
				s.bus.Publish(bus.Event{
					Type: bus.EventConnection,
					Data: map[string]any{"state": "connected"},
				})
			case transport.StateDegraded:
				s.disp.Fail(fmt.Errorf("session: %w", meshcore.ErrConnectionLost))
				s.bus.Publish(bus.Event{
					Type: bus.EventConnection,
					Data: map[string]any{"state": "degraded", "transient": true},
				})
			case transport.StateFailed:
				err := &meshcore.ConnError{Kind: meshcore.ConnKindExhausted, Err: meshcore.ErrConnectionLost}
				s.disp.Fail(err)
				s.bus.Publish(bus.Event{
					Type: bus.EventConnection,
					Data: map[string]any{"state": "failed", "error": err.Error()},
				})
				return err
			}
		}
	}
}

func (s *Session) runScheduler(ctx context.Context) error {
	sched := newScheduler(s.log)
	sched.add("messages", s.cfg.Intervals.Messages, s.messageTicks, func(ctx context.Context) {
		s.pollMessages(ctx)
	})
	sched.add("device_info", s.cfg.Intervals.DeviceInfo, s.deviceTicks, func(ctx context.Context) {
		s.pollDeviceInfo(ctx)
	})
	sched.add("repeater_stats", s.cfg.Intervals.RepeaterStats, s.repeaterTicks, func(ctx context.Context) {
		s.pollRepeaters(ctx)
	})
	return sched.Run(ctx)
}

// kickLoop drains the node queue out of cadence when a MSG_WAITING push
// arrives, instead of waiting for the next messages tick.
func (s *Session) kickLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.syncKick:
			if err := s.syncMessages(ctx); err != nil && !errors.Is(err, meshcore.ErrConnectionLost) {
				s.log.Warn("session: message drain failed", zap.Error(err))
			}
		}
	}
}

// ── handshake ─────────────────────────────────────────────────────────────

func (s *Session) handshake(ctx context.Context) error {
	evs, err := s.command(ctx, meshcore.AppStart(appName),
		kinds(meshcore.KindSelfInfo, meshcore.KindErr),
		kinds(meshcore.KindSelfInfo, meshcore.KindErr))
	if err != nil {
		return fmt.Errorf("session: app start: %w", err)
	}
	self, ok := last(evs).(meshcore.SelfInfoEvent)
	if !ok {
		return fmt.Errorf("session: app start: unexpected reply")
	}
	s.st.ApplySelfInfo(&self)
	s.log.Info("session: node identified",
		zap.String("name", self.Name),
		zap.String("public_key", hex.EncodeToString(self.PublicKey[:])[:meshcore.PubKeyPrefixLen*2]),
	)

	if evs, err := s.command(ctx, meshcore.DeviceQuery(),
		kinds(meshcore.KindDeviceInfo, meshcore.KindErr),
		kinds(meshcore.KindDeviceInfo, meshcore.KindErr)); err != nil {
		s.log.Warn("session: device query failed", zap.Error(err))
	} else if di, ok := last(evs).(meshcore.DeviceInfoEvent); ok {
		s.st.ApplyDeviceInfo(&di)
	}

	// Nodes have no RTC; seed their clock from the host on every connect.
	if _, err := s.command(ctx, meshcore.SetDeviceTime(time.Now()),
		kinds(meshcore.KindOK, meshcore.KindErr),
		kinds(meshcore.KindOK, meshcore.KindErr)); err != nil {
		s.log.Warn("session: clock sync failed", zap.Error(err))
	}

	s.enumerateChannels(ctx)

	if err := s.RefreshContacts(ctx); err != nil {
		s.log.Warn("session: contact sync failed", zap.Error(err))
	}
	s.resolveRepeaters()

	s.bus.Publish(bus.Event{Type: bus.EventNodeUpdate, Data: s.st.Node()})
	return nil
}

func (s *Session) enumerateChannels(ctx context.Context) {
	slots := s.st.Node().MaxChannels
	if slots <= 0 {
		slots = fallbackChannelSlots
	}
	for idx := 0; idx < slots; idx++ {
		evs, err := s.command(ctx, meshcore.GetChannel(idx),
			kinds(meshcore.KindChannelInfo, meshcore.KindErr),
			kinds(meshcore.KindChannelInfo, meshcore.KindErr))
		if err != nil {
			s.log.Debug("session: channel query failed", zap.Int("index", idx), zap.Error(err))
			return
		}
		if ci, ok := last(evs).(meshcore.ChannelInfoEvent); ok {
			s.st.SetChannel(uint8(ci.Index), ci.Name)
		}
	}
}

func (s *Session) resolveRepeaters() {
	for _, rl := range s.cfg.Repeaters {
		c, err := s.st.Resolve(rl.Name)
		if err != nil {
			s.log.Warn("session: configured repeater not in contact list",
				zap.String("repeater", rl.Name), zap.Error(err))
			continue
		}
		s.st.TrackRepeater(c)
		raw, err := hex.DecodeString(c.PublicKey)
		if err != nil || len(raw) != 32 {
			continue
		}
		var pk [32]byte
		copy(pk[:], raw)
		s.mu.Lock()
		s.repeaters[c.Prefix] = repeaterAuth{publicKey: pk, password: rl.Password}
		s.mu.Unlock()
	}
}

// ── operations ────────────────────────────────────────────────────────────

// SendMessage sends a direct text message. to is a public key prefix of at
// least 6 hex characters or an exact contact name.
func (s *Session) SendMessage(ctx context.Context, to, text string) (*state.Message, error) {
	c, err := s.st.Resolve(to)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(c.PublicKey)
	if err != nil || len(raw) < meshcore.PubKeyPrefixLen {
		return nil, fmt.Errorf("session: contact %s has malformed public key", c.Prefix)
	}
	var prefix [meshcore.PubKeyPrefixLen]byte
	copy(prefix[:], raw)

	now := time.Now()
	evs, err := s.command(ctx, meshcore.SendTxtMsg(prefix, text, now),
		kinds(meshcore.KindSent, meshcore.KindOK, meshcore.KindErr),
		kinds(meshcore.KindSent, meshcore.KindOK, meshcore.KindErr))
	if err != nil {
		return nil, err
	}

	msg := &state.Message{
		Conversation: "contact:" + c.Prefix,
		Direction:    "out",
		Sender:       "self",
		Text:         text,
		SenderTime:   now,
	}
	if _, err := s.st.RecordMessage(msg); err != nil {
		s.log.Warn("session: persist outbound message", zap.Error(err))
	}
	if se, ok := last(evs).(meshcore.SentEvent); ok && se.AckCode != 0 {
		s.mu.Lock()
		s.outbox[se.AckCode] = msg.ID
		s.mu.Unlock()
	}
	s.bus.Publish(bus.Event{Type: bus.EventContactMessage, EntityID: c.Prefix, Data: msg})
	return msg, nil
}

// SendChannelMessage sends a text message on a channel slot.
func (s *Session) SendChannelMessage(ctx context.Context, idx int, text string) (*state.Message, error) {
	now := time.Now()
	evs, err := s.command(ctx, meshcore.SendChannelTxtMsg(idx, text, now),
		kinds(meshcore.KindSent, meshcore.KindOK, meshcore.KindErr),
		kinds(meshcore.KindSent, meshcore.KindOK, meshcore.KindErr))
	if err != nil {
		return nil, err
	}

	msg := &state.Message{
		Conversation: "channel:" + strconv.Itoa(idx),
		Direction:    "out",
		Sender:       "self",
		Text:         text,
		SenderTime:   now,
	}
	if _, err := s.st.RecordMessage(msg); err != nil {
		s.log.Warn("session: persist outbound message", zap.Error(err))
	}
	if se, ok := last(evs).(meshcore.SentEvent); ok && se.AckCode != 0 {
		s.mu.Lock()
		s.outbox[se.AckCode] = msg.ID
		s.mu.Unlock()
	}
	s.bus.Publish(bus.Event{Type: bus.EventChannelMessage, EntityID: strconv.Itoa(idx), Data: msg})
	return msg, nil
}

// SendAdvert broadcasts a self advertisement, zero-hop or flood-routed.
func (s *Session) SendAdvert(ctx context.Context, flood bool) error {
	_, err := s.command(ctx, meshcore.SendSelfAdvert(flood),
		kinds(meshcore.KindOK, meshcore.KindErr),
		kinds(meshcore.KindOK, meshcore.KindErr))
	return err
}

// RefreshContacts pulls the full contact list from the node.
func (s *Session) RefreshContacts(ctx context.Context) error {
	evs, err := s.command(ctx, meshcore.GetContacts(),
		kinds(meshcore.KindContactsStart, meshcore.KindContact, meshcore.KindEndOfContacts, meshcore.KindErr),
		kinds(meshcore.KindEndOfContacts, meshcore.KindErr))
	if err != nil {
		return err
	}
	n := 0
	for _, ev := range evs {
		if ce, ok := ev.(meshcore.ContactEvent); ok {
			s.st.ApplyContact(&ce.Contact)
			n++
		}
	}
	s.log.Info("session: contact list synced", zap.Int("contacts", n))
	s.bus.Publish(bus.Event{Type: bus.EventContactUpdate, Data: map[string]any{"contacts": n}})
	return nil
}

// RawCommand parses and executes a one-line operator command. Supported
// verbs: advert [flood], time-sync, msg <to> <text...>, chan <idx>
// <text...>, contacts, sync.
func (s *Session) RawCommand(ctx context.Context, line string) (string, error) {
	args, err := shellwords.Parse(line)
	if err != nil {
		return "", fmt.Errorf("session: parse command: %w", err)
	}
	if len(args) == 0 {
		return "", fmt.Errorf("session: empty command")
	}
	switch args[0] {
	case "advert":
		flood := len(args) > 1 && args[1] == "flood"
		if err := s.SendAdvert(ctx, flood); err != nil {
			return "", err
		}
		return "advert sent", nil
	case "time-sync":
		if _, err := s.command(ctx, meshcore.SetDeviceTime(time.Now()),
			kinds(meshcore.KindOK, meshcore.KindErr),
			kinds(meshcore.KindOK, meshcore.KindErr)); err != nil {
			return "", err
		}
		return "clock synchronized", nil
	case "msg":
		if len(args) < 3 {
			return "", fmt.Errorf("session: usage: msg <to> <text>")
		}
		msg, err := s.SendMessage(ctx, args[1], strings.Join(args[2:], " "))
		if err != nil {
			return "", err
		}
		return "queued " + msg.ID, nil
	case "chan":
		if len(args) < 3 {
			return "", fmt.Errorf("session: usage: chan <idx> <text>")
		}
		idx, err := strconv.Atoi(args[1])
		if err != nil {
			return "", fmt.Errorf("session: bad channel index %q", args[1])
		}
		msg, err := s.SendChannelMessage(ctx, idx, strings.Join(args[2:], " "))
		if err != nil {
			return "", err
		}
		return "queued " + msg.ID, nil
	case "contacts":
		if err := s.RefreshContacts(ctx); err != nil {
			return "", err
		}
		return fmt.Sprintf("%d contacts known", s.st.ContactCount()), nil
	case "sync":
		if err := s.syncMessages(ctx); err != nil {
			return "", err
		}
		return "message queue drained", nil
	default:
		return "", fmt.Errorf("session: unknown command %q", args[0])
	}
}

// ── polling ───────────────────────────────────────────────────────────────

func (s *Session) pollMessages(ctx context.Context) {
	if err := s.syncMessages(ctx); err != nil && !errors.Is(err, meshcore.ErrConnectionLost) {
		s.log.Warn("session: message poll failed", zap.Error(err))
	}
}

func (s *Session) syncMessages(ctx context.Context) error {
	for i := 0; i < maxSyncBatch; i++ {
		evs, err := s.command(ctx, meshcore.SyncNextMessage(),
			kinds(meshcore.KindContactMessage, meshcore.KindChannelMessage, meshcore.KindNoMoreMessages, meshcore.KindErr),
			kinds(meshcore.KindContactMessage, meshcore.KindChannelMessage, meshcore.KindNoMoreMessages, meshcore.KindErr))
		if err != nil {
			return err
		}
		switch ev := last(evs).(type) {
		case meshcore.ContactMessageEvent:
			s.recordContactMessage(&ev)
		case meshcore.ChannelMessageEvent:
			s.recordChannelMessage(&ev)
		case meshcore.NoMoreMessagesEvent:
			return nil
		}
	}
	return nil
}

func (s *Session) pollDeviceInfo(ctx context.Context) {
	if evs, err := s.command(ctx, meshcore.GetBatteryVoltage(),
		kinds(meshcore.KindBatteryVoltage, meshcore.KindErr),
		kinds(meshcore.KindBatteryVoltage, meshcore.KindErr)); err != nil {
		if !errors.Is(err, meshcore.ErrConnectionLost) {
			s.log.Warn("session: battery poll failed", zap.Error(err))
		}
		return
	} else if bv, ok := last(evs).(meshcore.BatteryVoltageEvent); ok {
		s.st.ApplyBattery(bv.Millivolts)
		s.bus.Publish(bus.Event{
			Type: bus.EventBattery,
			Data: map[string]any{"millivolts": bv.Millivolts},
		})
	}

	if evs, err := s.command(ctx, meshcore.GetDeviceTime(),
		kinds(meshcore.KindCurrTime, meshcore.KindErr),
		kinds(meshcore.KindCurrTime, meshcore.KindErr)); err == nil {
		if ct, ok := last(evs).(meshcore.CurrTimeEvent); ok {
			s.st.ApplyDeviceClock(ct.Time)
		}
	}

	s.bus.Publish(bus.Event{Type: bus.EventNodeUpdate, Data: s.st.Node()})
}

func (s *Session) pollRepeaters(ctx context.Context) {
	s.mu.Lock()
	auths := make(map[string]repeaterAuth, len(s.repeaters))
	for prefix, auth := range s.repeaters {
		auths[prefix] = auth
	}
	s.mu.Unlock()

	for prefix, auth := range auths {
		r, ok := s.st.Repeater(prefix)
		if !ok {
			continue
		}
		if !r.LoggedIn {
			if err := s.loginRepeater(ctx, prefix, auth); err != nil {
				s.log.Warn("session: repeater login failed, retrying next cycle",
					zap.String("repeater", prefix), zap.Error(err))
				continue
			}
		}
		evs, err := s.command(ctx, meshcore.SendStatusReq(auth.publicKey),
			kinds(meshcore.KindOK, meshcore.KindErr, meshcore.KindStatusResponse),
			kinds(meshcore.KindStatusResponse, meshcore.KindErr))
		if err != nil {
			s.log.Warn("session: repeater status poll failed",
				zap.String("repeater", prefix), zap.Error(err))
			continue
		}
		if sr, ok := last(evs).(meshcore.StatusResponseEvent); ok {
			if s.st.ApplyRepeaterStats(prefix, &sr.Stats) {
				s.bus.Publish(bus.Event{Type: bus.EventRepeaterStats, EntityID: prefix, Data: sr.Stats})
			} else {
				s.log.Warn("session: dropping stats from repeater without login",
					zap.String("repeater", prefix))
			}
		}
	}
}

func (s *Session) loginRepeater(ctx context.Context, prefix string, auth repeaterAuth) error {
	evs, err := s.command(ctx, meshcore.SendLogin(auth.publicKey, auth.password),
		kinds(meshcore.KindOK, meshcore.KindErr, meshcore.KindLoginSuccess, meshcore.KindLoginFailed),
		kinds(meshcore.KindLoginSuccess, meshcore.KindLoginFailed, meshcore.KindErr))
	if err != nil {
		s.st.SetRepeaterLogin(prefix, false)
		return err
	}
	if _, ok := last(evs).(meshcore.LoginSuccessEvent); ok {
		s.st.SetRepeaterLogin(prefix, true)
		s.log.Info("session: repeater login ok", zap.String("repeater", prefix))
		return nil
	}
	s.st.SetRepeaterLogin(prefix, false)
	return fmt.Errorf("session: login rejected by %s", prefix)
}

// ── push handling ─────────────────────────────────────────────────────────

func (s *Session) handlePush(ev meshcore.Event) {
	switch ev := ev.(type) {
	case meshcore.AdvertEvent:
		c := s.st.ApplyAdvert(&ev)
		s.bus.Publish(bus.Event{Type: bus.EventAdvert, EntityID: c.Prefix, Data: c})

	case meshcore.SendConfirmedEvent:
		s.mu.Lock()
		id, ok := s.outbox[ev.AckCode]
		if ok {
			delete(s.outbox, ev.AckCode)
		}
		s.mu.Unlock()
		if !ok {
			s.log.Debug("session: unmatched delivery confirmation",
				zap.Uint32("ack_code", ev.AckCode))
			return
		}
		if err := s.st.MarkDelivered(id); err != nil {
			s.log.Warn("session: mark delivered", zap.Error(err))
		}
		s.bus.Publish(bus.Event{
			Type:     bus.EventDelivery,
			EntityID: id,
			Data:     map[string]any{"round_trip_ms": ev.RoundTripMs},
		})

	case meshcore.MsgWaitingEvent:
		select {
		case s.syncKick <- struct{}{}:
		default:
		}

	case meshcore.LoginSuccessEvent:
		s.st.SetRepeaterLogin(hex.EncodeToString(ev.PubKeyPrefix[:]), true)

	case meshcore.LoginFailedEvent:
		s.st.SetRepeaterLogin(hex.EncodeToString(ev.PubKeyPrefix[:]), false)

	case meshcore.StatusResponseEvent:
		prefix := hex.EncodeToString(ev.PubKeyPrefix[:])
		if s.st.ApplyRepeaterStats(prefix, &ev.Stats) {
			s.bus.Publish(bus.Event{Type: bus.EventRepeaterStats, EntityID: prefix, Data: ev.Stats})
		} else {
			s.log.Warn("session: dropping stats from repeater without login",
				zap.String("repeater", prefix))
		}

	case meshcore.ContactMessageEvent:
		s.recordContactMessage(&ev)

	case meshcore.ChannelMessageEvent:
		s.recordChannelMessage(&ev)

	case meshcore.RawEvent:
		s.log.Debug("session: unrecognized frame",
			zap.Uint8("code", ev.Code), zap.Int("len", len(ev.Payload)))
		s.bus.Publish(bus.Event{
			Type: bus.EventRaw,
			Data: map[string]any{"code": ev.Code, "payload": hex.EncodeToString(ev.Payload)},
		})

	default:
		s.log.Debug("session: unhandled push", zap.String("kind", ev.Kind().String()))
	}
}

func (s *Session) recordContactMessage(ev *meshcore.ContactMessageEvent) {
	prefix := hex.EncodeToString(ev.PubKeyPrefix[:])
	msg := &state.Message{
		Conversation: "contact:" + prefix,
		Direction:    "in",
		Sender:       prefix,
		Text:         ev.Text,
		SenderTime:   ev.SenderTime,
		PathLen:      ev.PathLen,
	}
	stored, err := s.st.RecordMessage(msg)
	if err != nil {
		s.log.Warn("session: persist inbound message", zap.Error(err))
	}
	if !stored {
		s.log.Debug("session: duplicate message dropped", zap.String("sender", prefix))
		return
	}
	s.bus.Publish(bus.Event{Type: bus.EventContactMessage, EntityID: prefix, Data: msg})
}

func (s *Session) recordChannelMessage(ev *meshcore.ChannelMessageEvent) {
	idx := strconv.Itoa(int(ev.ChannelIdx))
	msg := &state.Message{
		Conversation: "channel:" + idx,
		Direction:    "in",
		Sender:       "channel:" + idx,
		Text:         ev.Text,
		SenderTime:   ev.SenderTime,
		PathLen:      ev.PathLen,
	}
	stored, err := s.st.RecordMessage(msg)
	if err != nil {
		s.log.Warn("session: persist inbound message", zap.Error(err))
	}
	if !stored {
		s.log.Debug("session: duplicate channel message dropped", zap.String("channel", idx))
		return
	}
	s.bus.Publish(bus.Event{Type: bus.EventChannelMessage, EntityID: idx, Data: msg})
}

// ── helpers ───────────────────────────────────────────────────────────────

// command wraps dispatcher execution and converts an explicit firmware
// error reply into a DeviceError.
func (s *Session) command(ctx context.Context, payload []byte, accept, terminal kindSet) ([]meshcore.Event, error) {
	evs, err := s.disp.Execute(ctx, payload, accept, terminal)
	if err != nil {
		return nil, err
	}
	if e, ok := last(evs).(meshcore.ErrEvent); ok {
		return evs, &meshcore.DeviceError{Code: e.Code}
	}
	return evs, nil
}

func last(evs []meshcore.Event) meshcore.Event {
	if len(evs) == 0 {
		return nil
	}
	return evs[len(evs)-1]
}
