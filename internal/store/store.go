// Package store manages the SQLite database (WAL mode) for meshbridge.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DB wraps *sql.DB with domain helpers.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// Limit writer concurrency to 1; SQLite WAL allows concurrent readers.
	raw.SetMaxOpenConns(1)
	return &DB{raw}, nil
}

// Migrate applies the embedded DDL schema to the database.
// It is idempotent (IF NOT EXISTS everywhere).
func Migrate(db *DB) error {
	ddl := []string{
		ddlMessages,
		ddlContacts,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// MessageRecord is one row of the messages table.
type MessageRecord struct {
	ID           string
	Conversation string // "contact:<pubkey-prefix>" or "channel:<idx>"
	Direction    string // "in" | "out"
	Sender       string
	Text         string
	SenderTime   uint32 // node clock, Unix seconds
	ReceivedAt   int64  // host clock, Unix milliseconds
	PathLen      uint8
	Delivered    bool
}

// ContactRecord is one row of the contacts table.
type ContactRecord struct {
	PublicKey  string // full 64-char hex
	Type       uint8
	Name       string
	LastAdvert uint32
	HasPos     bool
	Lat        float64
	Lon        float64
	LastMod    uint32
}

// InsertMessage appends a message to the log.
func (db *DB) InsertMessage(m MessageRecord) error {
	_, err := db.Exec(
		`INSERT INTO messages (id, conversation, direction, sender, text, sender_time, received_at, path_len, delivered)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Conversation, m.Direction, m.Sender, m.Text, m.SenderTime, m.ReceivedAt, m.PathLen, m.Delivered,
	)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

// MarkDelivered flags an outbound message as acknowledged over the air.
func (db *DB) MarkDelivered(id string) error {
	if _, err := db.Exec(`UPDATE messages SET delivered = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: mark delivered: %w", err)
	}
	return nil
}

// ListMessages returns up to limit newest messages for a conversation,
// oldest first.
func (db *DB) ListMessages(conversation string, limit int) ([]MessageRecord, error) {
	rows, err := db.Query(
		`SELECT id, conversation, direction, sender, text, sender_time, received_at, path_len, delivered
		 FROM (SELECT * FROM messages WHERE conversation = ? ORDER BY received_at DESC LIMIT ?)
		 ORDER BY received_at ASC`,
		conversation, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		var m MessageRecord
		if err := rows.Scan(&m.ID, &m.Conversation, &m.Direction, &m.Sender, &m.Text,
			&m.SenderTime, &m.ReceivedAt, &m.PathLen, &m.Delivered); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// TrimConversation deletes all but the newest keep messages of a conversation.
func (db *DB) TrimConversation(conversation string, keep int) error {
	_, err := db.Exec(
		`DELETE FROM messages WHERE conversation = ? AND id NOT IN
		 (SELECT id FROM messages WHERE conversation = ? ORDER BY received_at DESC LIMIT ?)`,
		conversation, conversation, keep,
	)
	if err != nil {
		return fmt.Errorf("store: trim conversation: %w", err)
	}
	return nil
}

// UpsertContact inserts or refreshes a contact keyed by public key.
func (db *DB) UpsertContact(c ContactRecord) error {
	_, err := db.Exec(
		`INSERT INTO contacts (public_key, type, name, last_advert, has_pos, lat, lon, last_mod)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(public_key) DO UPDATE SET
		   type = excluded.type, name = excluded.name, last_advert = excluded.last_advert,
		   has_pos = excluded.has_pos, lat = excluded.lat, lon = excluded.lon, last_mod = excluded.last_mod`,
		c.PublicKey, c.Type, c.Name, c.LastAdvert, c.HasPos, c.Lat, c.Lon, c.LastMod,
	)
	if err != nil {
		return fmt.Errorf("store: upsert contact: %w", err)
	}
	return nil
}

// LoadContacts returns every persisted contact.
func (db *DB) LoadContacts() ([]ContactRecord, error) {
	rows, err := db.Query(
		`SELECT public_key, type, name, last_advert, has_pos, lat, lon, last_mod FROM contacts`)
	if err != nil {
		return nil, fmt.Errorf("store: load contacts: %w", err)
	}
	defer rows.Close()

	var out []ContactRecord
	for rows.Next() {
		var c ContactRecord
		if err := rows.Scan(&c.PublicKey, &c.Type, &c.Name, &c.LastAdvert,
			&c.HasPos, &c.Lat, &c.Lon, &c.LastMod); err != nil {
			return nil, fmt.Errorf("store: scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ── DDL statements ────────────────────────────────────────────────────────

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
    id           TEXT    PRIMARY KEY,
    conversation TEXT    NOT NULL,           -- 'contact:<prefix>' | 'channel:<idx>'
    direction    TEXT    NOT NULL,           -- 'in' | 'out'
    sender       TEXT    NOT NULL,
    text         TEXT    NOT NULL,
    sender_time  INTEGER NOT NULL,           -- node clock, Unix seconds
    received_at  INTEGER NOT NULL,           -- host clock, Unix milliseconds
    path_len     INTEGER NOT NULL DEFAULT 0,
    delivered    INTEGER NOT NULL DEFAULT 0  -- bool: 0 = pending, 1 = acked
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation, received_at DESC);
`

const ddlContacts = `
CREATE TABLE IF NOT EXISTS contacts (
    public_key  TEXT    PRIMARY KEY,         -- 64-char hex
    type        INTEGER NOT NULL,
    name        TEXT    NOT NULL,
    last_advert INTEGER NOT NULL DEFAULT 0,  -- Unix seconds
    has_pos     INTEGER NOT NULL DEFAULT 0,
    lat         REAL    NOT NULL DEFAULT 0,
    lon         REAL    NOT NULL DEFAULT 0,
    last_mod    INTEGER NOT NULL DEFAULT 0
);
`
