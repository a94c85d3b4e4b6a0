package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkOnline(t *testing.T) {
	tr := New()

	assert.True(t, tr.MarkOnline("user-1", "conn-a"), "first sighting grows the set")
	assert.False(t, tr.MarkOnline("user-1", "conn-b"), "re-marking only moves the connection")
	assert.True(t, tr.IsOnline("user-1"))
	assert.False(t, tr.IsOnline("user-2"))
}

func TestMarkOffline(t *testing.T) {
	tr := New()
	tr.MarkOnline("user-1", "conn-a")

	assert.True(t, tr.MarkOffline("user-1"))
	assert.False(t, tr.MarkOffline("user-1"), "already offline")
	assert.False(t, tr.IsOnline("user-1"))
}

func TestSnapshotIsSorted(t *testing.T) {
	tr := New()
	tr.MarkOnline("user-c", "conn-1")
	tr.MarkOnline("user-a", "conn-2")
	tr.MarkOnline("user-b", "conn-3")

	assert.Equal(t, []string{"user-a", "user-b", "user-c"}, tr.Snapshot())
}

func TestDropConnection(t *testing.T) {
	tr := New()
	tr.MarkOnline("user-1", "conn-a")
	tr.MarkOnline("user-2", "conn-b")

	userID, ok := tr.DropConnection("conn-a")
	assert.True(t, ok)
	assert.Equal(t, "user-1", userID)
	assert.Equal(t, []string{"user-2"}, tr.Snapshot())

	_, ok = tr.DropConnection("conn-a")
	assert.False(t, ok, "connection already dropped")

	_, ok = tr.DropConnection("conn-unknown")
	assert.False(t, ok)
}

func TestDropConnectionIgnoresStaleConnection(t *testing.T) {
	tr := New()
	tr.MarkOnline("user-1", "conn-a")
	tr.MarkOnline("user-1", "conn-b") // user moved to another connection

	_, ok := tr.DropConnection("conn-a")
	assert.False(t, ok, "stale connection must not knock the user offline")
	assert.True(t, tr.IsOnline("user-1"))
}
