// Package state implements the Manager for node metadata, the contact
// roster, repeater status and message history. It keeps a hot in-memory
// index (maps) and persists via the store package.
package state

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/meshcommons/meshbridge/internal/meshcore"
	"github.com/meshcommons/meshbridge/internal/store"
)

// NodeInfo describes the locally attached node.
type NodeInfo struct {
	PublicKey       string // 64-char hex
	Name            string
	TxPower         int
	MaxTxPower      int
	Lat             float64
	Lon             float64
	RadioFreqKHz    uint32
	RadioBwKHz      uint32
	SpreadingFactor int
	CodingRate      int

	Model           string
	FirmwareVersion string
	FirmwareBuild   string
	MaxContacts     int
	MaxChannels     int

	BatteryMillivolts uint16
	BatteryAt         time.Time
	ClockAt           time.Time // last device clock reading
}

// Contact is a known mesh participant.
type Contact struct {
	PublicKey  string // full 64-char hex
	Prefix     string // first 12 hex chars, the wire addressing prefix
	Type       meshcore.ContactType
	Name       string
	LastAdvert time.Time
	Lat        *float64
	Lon        *float64
	LastMod    time.Time
	Fresh      bool // computed against the staleness window at snapshot time
}

// Repeater is a contact the bridge authenticates against for stats polling.
type Repeater struct {
	Contact
	LoggedIn         bool
	LastLoginAttempt time.Time
	Stats            *meshcore.RepeaterStats // nil until the first authenticated poll
	StatsAt          time.Time
}

// Channel is one shared-key channel slot on the node.
type Channel struct {
	Index uint8
	Name  string
}

// Message is one entry of the per-conversation history.
type Message struct {
	ID           string
	Conversation string // "contact:<prefix>" or "channel:<idx>"
	Direction    string // "in" | "out"
	Sender       string
	Text         string
	SenderTime   time.Time
	ReceivedAt   time.Time
	PathLen      uint8
	Delivered    bool
}

// Options tunes history retention and freshness.
type Options struct {
	HistoryLimit int
	StaleAfter   time.Duration
	DedupWindow  int              // distinct inbound messages remembered for dedup
	Now          func() time.Time // test hook, defaults to time.Now
}

// Manager holds all runtime state. All exported methods are safe for
// concurrent use.
type Manager struct {
	db   *store.DB
	opts Options
	now  func() time.Time

	mu        sync.RWMutex
	node      NodeInfo
	contacts  map[string]*Contact  // keyed by full pubkey hex
	repeaters map[string]*Repeater // keyed by pubkey prefix
	channels  map[uint8]Channel
	messages  map[string][]*Message // keyed by conversation

	dedup *lru.Cache[string, struct{}]
}

// New creates a Manager and hydrates the contact cache from the database.
func New(db *store.DB, opts Options) (*Manager, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 512
	}
	dedup, err := lru.New[string, struct{}](opts.DedupWindow)
	if err != nil {
		return nil, fmt.Errorf("state: dedup cache: %w", err)
	}
	m := &Manager{
		db:        db,
		opts:      opts,
		now:       opts.Now,
		contacts:  make(map[string]*Contact),
		repeaters: make(map[string]*Repeater),
		channels:  make(map[uint8]Channel),
		messages:  make(map[string][]*Message),
		dedup:     dedup,
	}
	if db != nil {
		if err := m.loadContacts(); err != nil {
			return nil, fmt.Errorf("state: load contacts: %w", err)
		}
	}
	return m, nil
}

// ── Node state ────────────────────────────────────────────────────────────

// ApplySelfInfo records the node identity reported during the handshake.
func (m *Manager) ApplySelfInfo(ev *meshcore.SelfInfoEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.node.PublicKey = hex.EncodeToString(ev.PublicKey[:])
	m.node.Name = ev.Name
	m.node.TxPower = ev.TxPower
	m.node.MaxTxPower = ev.MaxTxPower
	m.node.Lat = ev.Lat
	m.node.Lon = ev.Lon
	m.node.RadioFreqKHz = ev.RadioFreqKHz
	m.node.RadioBwKHz = ev.RadioBwKHz
	m.node.SpreadingFactor = ev.SpreadingFactor
	m.node.CodingRate = ev.CodingRate
}

// ApplyDeviceInfo records firmware and capacity details.
func (m *Manager) ApplyDeviceInfo(ev *meshcore.DeviceInfoEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.node.Model = ev.Model
	m.node.FirmwareVersion = ev.FirmwareVersion
	m.node.FirmwareBuild = ev.FirmwareBuild
	m.node.MaxContacts = ev.MaxContacts
	m.node.MaxChannels = ev.MaxChannels
}

// ApplyBattery records the latest battery reading.
func (m *Manager) ApplyBattery(mv uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.node.BatteryMillivolts = mv
	m.node.BatteryAt = m.now()
}

// ApplyDeviceClock records the last device clock reading.
func (m *Manager) ApplyDeviceClock(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.node.ClockAt = t
}

// Node returns a snapshot of the attached node.
func (m *Manager) Node() NodeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.node
}

// ── Contact state ─────────────────────────────────────────────────────────

// ApplyContact creates or refreshes a contact from a roster sync record.
func (m *Manager) ApplyContact(ci *meshcore.ContactInfo) *Contact {
	key := hex.EncodeToString(ci.PublicKey[:])
	m.mu.Lock()
	c, ok := m.contacts[key]
	if !ok {
		c = &Contact{
			PublicKey: key,
			Prefix:    key[:meshcore.PubKeyPrefixLen*2],
		}
		m.contacts[key] = c
	}
	c.Type = ci.Type
	c.Name = ci.Name
	c.LastMod = ci.LastMod
	if ci.LastAdvert.After(c.LastAdvert) {
		c.LastAdvert = ci.LastAdvert
	}
	if ci.HasPosition {
		lat, lon := ci.Lat, ci.Lon
		c.Lat, c.Lon = &lat, &lon
	}
	snap := *c
	m.mu.Unlock()

	m.persistContact(&snap)
	return &snap
}

// ApplyAdvert refreshes a contact from a live advert push. Last-seen only
// moves forward, so a replayed or delayed advert never regresses it.
func (m *Manager) ApplyAdvert(ev *meshcore.AdvertEvent) *Contact {
	key := hex.EncodeToString(ev.PublicKey[:])
	m.mu.Lock()
	c, ok := m.contacts[key]
	if !ok {
		c = &Contact{
			PublicKey: key,
			Prefix:    key[:meshcore.PubKeyPrefixLen*2],
		}
		m.contacts[key] = c
	}
	if ev.Name != "" {
		c.Name = ev.Name
	}
	if ev.Type != 0 {
		c.Type = ev.Type
	}
	at := ev.Time
	if at.IsZero() {
		at = m.now()
	}
	if at.After(c.LastAdvert) {
		c.LastAdvert = at
	}
	if ev.HasPosition {
		lat, lon := ev.Lat, ev.Lon
		c.Lat, c.Lon = &lat, &lon
	}
	snap := *c
	m.mu.Unlock()

	m.persistContact(&snap)
	return &snap
}

// Resolve finds a contact by public key prefix (at least 6 hex chars) or by
// exact display name. It returns meshcore.ErrNotFound when nothing matches
// and meshcore.ErrAmbiguous when more than one contact does.
func (m *Manager) Resolve(query string) (*Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []*Contact
	if isHexPrefix(query) {
		q := strings.ToLower(query)
		for _, c := range m.contacts {
			if strings.HasPrefix(c.PublicKey, q) {
				matches = append(matches, c)
			}
		}
	}
	if len(matches) == 0 {
		for _, c := range m.contacts {
			if c.Name == query {
				matches = append(matches, c)
			}
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("state: contact %q: %w", query, meshcore.ErrNotFound)
	case 1:
		snap := m.freshen(*matches[0])
		return &snap, nil
	default:
		return nil, fmt.Errorf("state: contact %q matches %d entries: %w",
			query, len(matches), meshcore.ErrAmbiguous)
	}
}

// ListContacts returns a snapshot of the roster with freshness computed
// against the staleness window.
func (m *Manager) ListContacts() []*Contact {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Contact, 0, len(m.contacts))
	for _, c := range m.contacts {
		snap := m.freshen(*c)
		out = append(out, &snap)
	}
	return out
}

// ContactCount returns how many contacts are currently known.
func (m *Manager) ContactCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contacts)
}

// ── Repeater state ────────────────────────────────────────────────────────

// TrackRepeater registers a contact for authenticated stats polling.
func (m *Manager) TrackRepeater(c *Contact) *Repeater {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.repeaters[c.Prefix]
	if !ok {
		r = &Repeater{}
		m.repeaters[c.Prefix] = r
	}
	r.Contact = *c
	snap := *r
	return &snap
}

// SetRepeaterLogin records the outcome of a login attempt.
func (m *Manager) SetRepeaterLogin(prefix string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, found := m.repeaters[prefix]; found {
		r.LoggedIn = ok
		r.LastLoginAttempt = m.now()
	}
}

// ApplyRepeaterStats records a stats snapshot for a logged-in repeater.
// Stats arriving before a successful login are discarded and false is
// returned, since an unauthenticated status response cannot be trusted to
// belong to our session.
func (m *Manager) ApplyRepeaterStats(prefix string, stats *meshcore.RepeaterStats) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.repeaters[prefix]
	if !ok || !r.LoggedIn {
		return false
	}
	s := *stats
	r.Stats = &s
	r.StatsAt = m.now()
	return true
}

// Repeater returns a snapshot of one tracked repeater by prefix.
func (m *Manager) Repeater(prefix string) (*Repeater, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.repeaters[prefix]
	if !ok {
		return nil, false
	}
	snap := *r
	if r.Stats != nil {
		s := *r.Stats
		snap.Stats = &s
	}
	return &snap, true
}

// ListRepeaters returns a snapshot of all tracked repeaters.
func (m *Manager) ListRepeaters() []*Repeater {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Repeater, 0, len(m.repeaters))
	for _, r := range m.repeaters {
		snap := *r
		if r.Stats != nil {
			s := *r.Stats
			snap.Stats = &s
		}
		out = append(out, &snap)
	}
	return out
}

// ── Channel state ─────────────────────────────────────────────────────────

// SetChannel records one channel slot discovered during enumeration.
func (m *Manager) SetChannel(idx uint8, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[idx] = Channel{Index: idx, Name: name}
}

// Channels returns all known channel slots with a non-empty name.
func (m *Manager) Channels() []Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		if ch.Name != "" {
			out = append(out, ch)
		}
	}
	return out
}

// ── Message state ─────────────────────────────────────────────────────────

// RecordMessage appends a message to its conversation history. Inbound
// messages are deduplicated on (sender, sender time, text); a duplicate
// returns false and is not stored. History is trimmed to the configured
// limit per conversation.
func (m *Manager) RecordMessage(msg *Message) (bool, error) {
	if msg.Direction == "in" {
		key := fmt.Sprintf("%s|%d|%s", msg.Sender, msg.SenderTime.Unix(), msg.Text)
		if _, seen := m.dedup.Get(key); seen {
			return false, nil
		}
		m.dedup.Add(key, struct{}{})
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = m.now()
	}

	m.mu.Lock()
	log := append(m.messages[msg.Conversation], msg)
	if limit := m.opts.HistoryLimit; limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	m.messages[msg.Conversation] = log
	m.mu.Unlock()

	if m.db == nil {
		return true, nil
	}
	rec := store.MessageRecord{
		ID:           msg.ID,
		Conversation: msg.Conversation,
		Direction:    msg.Direction,
		Sender:       msg.Sender,
		Text:         msg.Text,
		SenderTime:   uint32(msg.SenderTime.Unix()),
		ReceivedAt:   msg.ReceivedAt.UnixMilli(),
		PathLen:      msg.PathLen,
		Delivered:    msg.Delivered,
	}
	if err := m.db.InsertMessage(rec); err != nil {
		return true, err
	}
	if limit := m.opts.HistoryLimit; limit > 0 {
		if err := m.db.TrimConversation(msg.Conversation, limit); err != nil {
			return true, err
		}
	}
	return true, nil
}

// MarkDelivered flags an outbound message as acknowledged.
func (m *Manager) MarkDelivered(id string) error {
	m.mu.Lock()
	for _, log := range m.messages {
		for _, msg := range log {
			if msg.ID == id {
				msg.Delivered = true
			}
		}
	}
	m.mu.Unlock()

	if m.db == nil {
		return nil
	}
	return m.db.MarkDelivered(id)
}

// Messages returns up to limit newest messages of a conversation, oldest
// first. When the in-memory window does not cover the request the database
// is consulted.
func (m *Manager) Messages(conversation string, limit int) ([]*Message, error) {
	m.mu.RLock()
	log := m.messages[conversation]
	if limit <= 0 || limit > len(log) {
		limit = len(log)
	}
	out := make([]*Message, 0, limit)
	for _, msg := range log[len(log)-limit:] {
		snap := *msg
		out = append(out, &snap)
	}
	m.mu.RUnlock()

	if len(out) > 0 || m.db == nil {
		return out, nil
	}
	recs, err := m.db.ListMessages(conversation, limit)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		out = append(out, &Message{
			ID:           r.ID,
			Conversation: r.Conversation,
			Direction:    r.Direction,
			Sender:       r.Sender,
			Text:         r.Text,
			SenderTime:   time.Unix(int64(r.SenderTime), 0),
			ReceivedAt:   time.UnixMilli(r.ReceivedAt),
			PathLen:      r.PathLen,
			Delivered:    r.Delivered,
		})
	}
	return out, nil
}

// ── internal ──────────────────────────────────────────────────────────────

func (m *Manager) freshen(c Contact) Contact {
	if m.opts.StaleAfter > 0 && !c.LastAdvert.IsZero() {
		c.Fresh = m.now().Sub(c.LastAdvert) <= m.opts.StaleAfter
	}
	return c
}

func (m *Manager) persistContact(c *Contact) {
	if m.db == nil {
		return
	}
	rec := store.ContactRecord{
		PublicKey: c.PublicKey,
		Type:      uint8(c.Type),
		Name:      c.Name,
	}
	if !c.LastAdvert.IsZero() {
		rec.LastAdvert = uint32(c.LastAdvert.Unix())
	}
	if !c.LastMod.IsZero() {
		rec.LastMod = uint32(c.LastMod.Unix())
	}
	if c.Lat != nil && c.Lon != nil {
		rec.HasPos = true
		rec.Lat, rec.Lon = *c.Lat, *c.Lon
	}
	m.db.UpsertContact(rec) //nolint:errcheck
}

func (m *Manager) loadContacts() error {
	recs, err := m.db.LoadContacts()
	if err != nil {
		return err
	}
	for _, r := range recs {
		c := &Contact{
			PublicKey:  r.PublicKey,
			Prefix:     r.PublicKey[:meshcore.PubKeyPrefixLen*2],
			Type:       meshcore.ContactType(r.Type),
			Name:       r.Name,
			LastAdvert: time.Unix(int64(r.LastAdvert), 0),
			LastMod:    time.Unix(int64(r.LastMod), 0),
		}
		if r.HasPos {
			lat, lon := r.Lat, r.Lon
			c.Lat, c.Lon = &lat, &lon
		}
		m.contacts[c.PublicKey] = c
	}
	return nil
}

func isHexPrefix(s string) bool {
	if len(s) < meshcore.PubKeyPrefixLen {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
