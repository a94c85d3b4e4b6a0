package backend

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/databridge/internal/protocol"
)

func sqliteAdapter(t *testing.T) Adapter {
	t.Helper()
	adapter, err := New(KindRelational, ConnectParams{
		Driver:   DriverSQLite,
		Database: filepath.Join(t.TempDir(), "test.db"),
	}, nil)
	require.NoError(t, err)
	require.NoError(t, adapter.Connect(context.Background()))
	t.Cleanup(func() { adapter.Close() })
	return adapter
}

func createTodos(t *testing.T, adapter Adapter) {
	t.Helper()
	a := adapter.(*RelationalAdapter)
	_, err := a.db.Exec(`CREATE TABLE todos (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT,
		done INTEGER DEFAULT 0,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)
	require.NoError(t, err)
}

func TestRelationalInsertAndGet(t *testing.T) {
	adapter := sqliteAdapter(t)
	createTodos(t, adapter)
	ctx := context.Background()

	result := adapter.Execute(ctx, protocol.OpInsert, &protocol.Command{
		Collection: "todos",
		Document:   map[string]interface{}{"title": "write docs"},
	})
	require.Equal(t, protocol.StatusSuccess, result.Status)
	require.Equal(t, protocol.OpInsert, result.Method)

	inserted, ok := result.Result.(*protocol.InsertResult)
	require.True(t, ok)
	assert.Equal(t, "1", inserted.InsertedID)
	doc, ok := inserted.InsertedDoc.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "write docs", doc["title"])

	result = adapter.Execute(ctx, protocol.OpGet, &protocol.Command{
		Collection: "todos",
		Filter:     map[string]interface{}{"title": "write docs"},
	})
	require.Equal(t, protocol.StatusSuccess, result.Status)
	rows, ok := result.Result.([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, rows, 1)
	assert.Equal(t, "write docs", rows[0]["title"])
}

func TestRelationalUpdate(t *testing.T) {
	adapter := sqliteAdapter(t)
	createTodos(t, adapter)
	ctx := context.Background()

	adapter.Execute(ctx, protocol.OpInsert, &protocol.Command{
		Collection: "todos",
		Document:   map[string]interface{}{"title": "before"},
	})

	result := adapter.Execute(ctx, protocol.OpUpdate, &protocol.Command{
		Collection: "todos",
		Filter:     map[string]interface{}{"id": 1},
		Document:   map[string]interface{}{"title": "after", "done": 1},
	})
	require.Equal(t, protocol.StatusSuccess, result.Status)

	updated, ok := result.Result.(*protocol.UpdateResult)
	require.True(t, ok)
	assert.Equal(t, "1", updated.UpdatedID)
	doc, ok := updated.UpdatedDoc.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "after", doc["title"])
}

func TestRelationalDeleteMissingIDSucceeds(t *testing.T) {
	adapter := sqliteAdapter(t)
	createTodos(t, adapter)

	result := adapter.Execute(context.Background(), protocol.OpDelete, &protocol.Command{
		Collection: "todos",
		Filter:     map[string]interface{}{"id": 999},
	})
	require.Equal(t, protocol.StatusSuccess, result.Status)

	deleted, ok := result.Result.(*protocol.DeleteResult)
	require.True(t, ok)
	assert.Equal(t, "999", deleted.DeletedID)
	assert.Equal(t, int64(0), deleted.DeletedCount)
}

func TestRelationalDelete(t *testing.T) {
	adapter := sqliteAdapter(t)
	createTodos(t, adapter)
	ctx := context.Background()

	adapter.Execute(ctx, protocol.OpInsert, &protocol.Command{
		Collection: "todos",
		Document:   map[string]interface{}{"title": "temp"},
	})
	result := adapter.Execute(ctx, protocol.OpDelete, &protocol.Command{
		Collection: "todos",
		Filter:     map[string]interface{}{"id": 1},
	})
	require.Equal(t, protocol.StatusSuccess, result.Status)
	deleted := result.Result.(*protocol.DeleteResult)
	assert.Equal(t, int64(1), deleted.DeletedCount)
}

func TestRelationalRejectsBadIdentifiers(t *testing.T) {
	adapter := sqliteAdapter(t)
	ctx := context.Background()

	result := adapter.Execute(ctx, protocol.OpGet, &protocol.Command{
		Collection: "todos; DROP TABLE users",
	})
	assert.Equal(t, protocol.StatusError, result.Status)

	result = adapter.Execute(ctx, protocol.OpInsert, &protocol.Command{
		Collection: "users",
		Document:   map[string]interface{}{"email = ''; --": "x"},
	})
	assert.Equal(t, protocol.StatusError, result.Status)
}

func TestRelationalErrorsStayOnResult(t *testing.T) {
	adapter := sqliteAdapter(t)

	result := adapter.Execute(context.Background(), protocol.OpGet, &protocol.Command{
		Collection: "missing_table",
	})
	require.Equal(t, protocol.StatusError, result.Status)
	assert.Equal(t, protocol.OpGet, result.Method)
	assert.NotEmpty(t, result.Message)
}

func TestRelationalIdentity(t *testing.T) {
	adapter := sqliteAdapter(t)
	identity := adapter.Identity()
	ctx := context.Background()

	userID, err := identity.SignUp(ctx, "alice@example.com", "s3cret")
	require.NoError(t, err)
	require.NotEmpty(t, userID)

	_, err = identity.SignUp(ctx, "alice@example.com", "other")
	assert.ErrorIs(t, err, ErrDuplicateIdentity)

	user, err := identity.SignIn(ctx, "alice@example.com", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, userID, user.ID)
	assert.Equal(t, "alice@example.com", user.Email)

	_, err = identity.SignIn(ctx, "alice@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = identity.SignIn(ctx, "nobody@example.com", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	fetched, err := identity.GetUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", fetched.Email)

	_, err = identity.GetUser(ctx, "9999")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := identity.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	some, err := identity.GetUsers(ctx, []string{userID})
	require.NoError(t, err)
	require.Len(t, some, 1)
	assert.Equal(t, userID, some[0].ID)
}

func TestRelationalSessions(t *testing.T) {
	adapter := sqliteAdapter(t)
	identity := adapter.Identity()
	ctx := context.Background()

	userID, err := identity.SignUp(ctx, "bob@example.com", "pw")
	require.NoError(t, err)

	require.NoError(t, identity.SetSession(ctx, userID, "sess-1"))
	require.NoError(t, identity.SetSession(ctx, userID, "sess-2"))

	session, err := identity.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, userID, session.UserID)
	assert.Equal(t, "sess-1", session.SessionID)

	sessions, err := identity.GetSessions(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	require.NoError(t, identity.ChangeSession(ctx, "sess-1", []byte(`{"theme":"dark"}`)))
	session, err = identity.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"theme":"dark"}`, string(session.Data))

	err = identity.ChangeSession(ctx, "missing", []byte(`{}`))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, identity.KillSession(ctx, "sess-1"))
	_, err = identity.GetSession(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, identity.KillSession(ctx, "sess-1"), ErrNotFound)

	count, err := identity.KillSessions(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRelationalWatchChanges(t *testing.T) {
	adapter := sqliteAdapter(t)
	createTodos(t, adapter)

	detected := make(chan []Change, 1)
	sub, err := adapter.WatchChanges("todos", func(changes []Change) {
		select {
		case detected <- changes:
		default:
		}
	}, WatchOptions{PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	defer sub.Close()

	// Backdated poll cursor means an insert shows on the next tick.
	time.Sleep(30 * time.Millisecond)
	a := adapter.(*RelationalAdapter)
	_, err = a.db.Exec(
		"INSERT INTO todos (title, updated_at) VALUES (?, ?)",
		"watched", time.Now().UTC().Add(time.Minute).Format("2006-01-02 15:04:05"))
	require.NoError(t, err)

	select {
	case changes := <-detected:
		require.NotEmpty(t, changes)
		assert.Equal(t, "watched", changes[0]["title"])
	case <-time.After(2 * time.Second):
		t.Fatal("no change detected")
	}
}

func TestRelationalUnsupportedDriver(t *testing.T) {
	adapter, err := New(KindRelational, ConnectParams{Driver: "oracle"}, nil)
	require.NoError(t, err)
	err = adapter.Connect(context.Background())
	require.Error(t, err)

	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.ErrorIs(t, err, ErrUnsupportedBackend)
}
