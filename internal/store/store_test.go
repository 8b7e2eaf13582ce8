package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(db))
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)
	require.NoError(t, Migrate(db))
}

func TestInsertAndListMessages(t *testing.T) {
	db := testDB(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, db.InsertMessage(MessageRecord{
			ID:           string(rune('a' + i)),
			Conversation: "contact:aabbccddeeff",
			Direction:    "in",
			Sender:       "aabbccddeeff",
			Text:         "hello",
			SenderTime:   uint32(1700000000 + i),
			ReceivedAt:   int64(1700000000000 + i),
		}))
	}

	msgs, err := db.ListMessages("contact:aabbccddeeff", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	// Newest two, oldest first.
	assert.Equal(t, "b", msgs[0].ID)
	assert.Equal(t, "c", msgs[1].ID)

	msgs, err = db.ListMessages("contact:unknown", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMarkDelivered(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.InsertMessage(MessageRecord{
		ID:           "m1",
		Conversation: "contact:aabbccddeeff",
		Direction:    "out",
		Sender:       "self",
		Text:         "ping",
		ReceivedAt:   1,
	}))
	require.NoError(t, db.MarkDelivered("m1"))

	msgs, err := db.ListMessages("contact:aabbccddeeff", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Delivered)
}

func TestTrimConversation(t *testing.T) {
	db := testDB(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, db.InsertMessage(MessageRecord{
			ID:           string(rune('a' + i)),
			Conversation: "channel:0",
			Direction:    "in",
			Sender:       "channel:0",
			Text:         "x",
			ReceivedAt:   int64(i),
		}))
	}
	require.NoError(t, db.TrimConversation("channel:0", 2))

	msgs, err := db.ListMessages("channel:0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "d", msgs[0].ID)
	assert.Equal(t, "e", msgs[1].ID)
}

func TestUpsertContact(t *testing.T) {
	db := testDB(t)
	rec := ContactRecord{
		PublicKey:  "aa00aa00",
		Type:       1,
		Name:       "alice",
		LastAdvert: 1700000000,
	}
	require.NoError(t, db.UpsertContact(rec))

	rec.Name = "alice-2"
	rec.LastAdvert = 1700000500
	rec.HasPos = true
	rec.Lat, rec.Lon = 52.52, 13.405
	require.NoError(t, db.UpsertContact(rec))

	contacts, err := db.LoadContacts()
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "alice-2", contacts[0].Name)
	assert.Equal(t, uint32(1700000500), contacts[0].LastAdvert)
	assert.True(t, contacts[0].HasPos)
	assert.InDelta(t, 52.52, contacts[0].Lat, 1e-9)
}
