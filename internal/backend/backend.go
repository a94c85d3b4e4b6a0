// Package backend implements the storage adapters behind the command broker.
// Each live connection binds at most one adapter; an adapter wraps one
// storage connection and exposes a uniform execute/watch/close surface plus
// the identity and session persistence used by the auth bridge.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zot/databridge/internal/protocol"
)

// Kind identifies a backend implementation.
type Kind string

const (
	KindDocument   Kind = "document"
	KindRelational Kind = "relational"
)

// Sentinel errors for the broker and auth layers.
var (
	ErrUnsupportedBackend = errors.New("unsupported database type")
	ErrNotBound           = errors.New("database not initialized")
	ErrDuplicateIdentity  = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotFound           = errors.New("not found")
)

// ConnectionError wraps a failure to open the underlying storage connection.
type ConnectionError struct {
	Kind Kind
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s connection error: %v", e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ExecutionError wraps a backend call failure. Execute never returns it
// directly; it is folded into a tagged error result at the adapter boundary.
type ExecutionError struct {
	Kind Kind
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s execution error: %v", e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Logger is the leveled logging surface adapters use. *config.Config
// satisfies it.
type Logger interface {
	Log(level int, format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Log(int, string, ...interface{}) {}

// ConnectParams carries the backend-specific connection settings supplied by
// the client on initialize.
type ConnectParams struct {
	URL      string `json:"url,omitempty"`      // document store or postgres URL
	DBName   string `json:"dbName,omitempty"`   // document database name
	Driver   string `json:"driver,omitempty"`   // relational: mysql, postgres, sqlite3
	DSN      string `json:"dsn,omitempty"`      // relational: full DSN, overrides the fields below
	Host     string `json:"host,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	Database string `json:"database,omitempty"` // relational database name, or sqlite file path
}

// User is an identity record. Passwords never leave the adapter.
type User struct {
	ID        string    `json:"_id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Session is a stored per-device session record. SessionID is the identifier
// distributed to the client, distinct from the bearer token.
type Session struct {
	UserID    string          `json:"userId"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"createdAt,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt,omitempty"`
}

// File is a blob retrieved from a bucket.
type File struct {
	ID   string `json:"fileId"`
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// FileInfo describes a stored blob without its contents.
type FileInfo struct {
	ID       string    `json:"fileId"`
	Name     string    `json:"name"`
	Length   int64     `json:"length"`
	Uploaded time.Time `json:"uploaded,omitempty"`
}

// IdentityStore is the identity and session persistence surface the auth
// bridge delegates to.
type IdentityStore interface {
	SignUp(ctx context.Context, email, password string) (string, error)
	SignIn(ctx context.Context, email, password string) (*User, error)
	GetUser(ctx context.Context, userID string) (*User, error)
	GetUsers(ctx context.Context, userIDs []string) ([]User, error)
	ListUsers(ctx context.Context) ([]User, error)

	SetSession(ctx context.Context, userID, sessionID string) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	GetSessions(ctx context.Context, userID string) ([]Session, error)
	ChangeSession(ctx context.Context, sessionID string, data json.RawMessage) error
	KillSession(ctx context.Context, sessionID string) error
	KillSessions(ctx context.Context, userID string) (int64, error)
}

// BlobStore is the named-bucket blob surface. Only the document backend
// provides one.
type BlobStore interface {
	CreateBucket(ctx context.Context) (string, error)
	UploadFile(ctx context.Context, bucketID, name string, data []byte) (string, error)
	GetFile(ctx context.Context, bucketID, fileID string) (*File, error)
	ListFiles(ctx context.Context, bucketID string) ([]FileInfo, error)
	DeleteFile(ctx context.Context, bucketID, fileID string) error
	ListBuckets(ctx context.Context) ([]string, error)
	DeleteBucket(ctx context.Context, bucketID string) error
	RenameBucket(ctx context.Context, oldID, newID string) error
}

// Adapter is the uniform interface over one concrete storage engine.
type Adapter interface {
	// Kind reports which backend implementation this is.
	Kind() Kind

	// Connect opens the underlying storage connection.
	Connect(ctx context.Context) error

	// Execute runs one structured command. It never fails past this
	// boundary: failures come back as tagged error results.
	Execute(ctx context.Context, method string, cmd *protocol.Command) *protocol.Result

	// WatchChanges observes a collection or table for changes and invokes
	// fn with each detected batch until the subscription is closed.
	WatchChanges(name string, fn ChangeFunc, opts WatchOptions) (*Subscription, error)

	// Identity returns the identity/session persistence surface.
	Identity() IdentityStore

	// Blobs returns the bucket surface, or nil if the backend has none.
	Blobs() BlobStore

	// Close releases the storage connection. Idempotent.
	Close() error
}

// New constructs an unconnected adapter for the given backend kind.
func New(kind Kind, params ConnectParams, log Logger) (Adapter, error) {
	if log == nil {
		log = nopLogger{}
	}
	switch kind {
	case KindDocument:
		return newDocumentAdapter(params, log), nil
	case KindRelational:
		return newRelationalAdapter(params, log), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, kind)
	}
}

// ParseKind maps a client-supplied backend name to a Kind. Concrete engine
// names are accepted as aliases for their family.
func ParseKind(name string) (Kind, error) {
	switch name {
	case string(KindDocument), "mongodb", "mongo":
		return KindDocument, nil
	case string(KindRelational), "sql", "mysql", "postgres", "postgresql", "sqlite", "sqlite3":
		return KindRelational, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedBackend, name)
	}
}

// ParseParams decodes client-supplied connection parameters.
func ParseParams(raw json.RawMessage) (ConnectParams, error) {
	var params ConnectParams
	if len(raw) == 0 {
		return params, nil
	}
	err := json.Unmarshal(raw, &params)
	return params, err
}
