// Package protocol defines the framed JSON event types exchanged over a
// broker connection, the closed command grammar, and the normalized result
// shape shared by both storage backends.
package protocol

import (
	"encoding/json"
)

// EventType identifies the type of an event frame.
type EventType string

const (
	// Client-issued events
	EvtInitialize  EventType = "initialize"
	EvtSubscribe   EventType = "subscribe"
	EvtListen      EventType = "listen" // alias of subscribe
	EvtUnsubscribe EventType = "unsubscribe"
	EvtMessage     EventType = "message"
	EvtAction      EventType = "action"
	EvtAccount     EventType = "account:action"
	EvtUsers       EventType = "users:action"
	EvtWatch       EventType = "watch"
	EvtUnwatch     EventType = "unwatch"
	EvtClose       EventType = "close"

	// Notification events
	EvtSubscribeNot   EventType = "subscribe:not"
	EvtUnsubscribeNot EventType = "unsubscribe:not"
	EvtSendNot        EventType = "sendNotification"

	// Bucket events
	EvtCreateBucket EventType = "createBucket"
	EvtUploadFile   EventType = "uploadFile"
	EvtGetFile      EventType = "getFile"
	EvtListFiles    EventType = "listFiles"
	EvtDeleteFile   EventType = "deleteFile"
	EvtListBuckets  EventType = "listBuckets"
	EvtDeleteBucket EventType = "deleteBucket"
	EvtRenameBucket EventType = "renameBucket"

	// Server-issued events
	EvtError EventType = "error"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Operation kinds understood by the backends. Anything else is executed as a
// raw query and its native result passed through unnormalized.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
	OpGet    = "get"
)

// Event is the base frame: a named event plus its payload.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Command is the structured query expression executed by an adapter. It is a
// closed grammar: an operation targets one collection or table with a
// structured filter and document, never executable code.
type Command struct {
	Collection string                 `json:"collection"`
	Filter     map[string]interface{} `json:"filter,omitempty"`
	Document   map[string]interface{} `json:"document,omitempty"`
	Limit      int64                  `json:"limit,omitempty"`
}

// Result is the normalized outcome of one command, broadcast immutably to
// every recipient.
type Result struct {
	Status  string      `json:"status"`
	Method  string      `json:"method,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Message string      `json:"message,omitempty"`
}

// InsertResult is the normalized payload for insert operations.
type InsertResult struct {
	InsertedID  string      `json:"insertedId"`
	InsertedDoc interface{} `json:"insertedDoc,omitempty"`
}

// DeleteResult is the normalized payload for delete operations.
type DeleteResult struct {
	DeletedID    string `json:"deletedId"`
	DeletedCount int64  `json:"deletedCount"`
}

// UpdateResult is the normalized payload for update operations.
type UpdateResult struct {
	UpdatedID  string      `json:"updatedId"`
	UpdatedDoc interface{} `json:"updatedDoc,omitempty"`
}

// InitializeData binds a storage backend to the connection.
type InitializeData struct {
	BackendKind    string          `json:"backendKind"`
	ConnectionInfo json.RawMessage `json:"connectionInfo"`
}

// ChannelData names a channel for subscribe/unsubscribe.
type ChannelData struct {
	Channel string `json:"channel"`
}

// MessageData is a plain pub/sub payload for a channel.
type MessageData struct {
	Channel string          `json:"channel"`
	Message json.RawMessage `json:"message"`
}

// ActionData is a client-issued database command.
type ActionData struct {
	Action  string   `json:"action"` // currently always "execute"
	Channel string   `json:"channel"`
	Method  string   `json:"method"`
	Command *Command `json:"command"`
}

// AccountActionData is a session-scoped account request.
type AccountActionData struct {
	Action  string          `json:"action"`
	Data    json.RawMessage `json:"data,omitempty"`
	Token   string          `json:"token,omitempty"`
	Session string          `json:"session,omitempty"`
}

// UsersActionData is a user-directory request.
type UsersActionData struct {
	Action  string   `json:"action"`
	Token   string   `json:"token"`
	UserID  string   `json:"userId,omitempty"`
	UserIDs []string `json:"userIds,omitempty"`
}

// WatchData starts or stops a change watch that republishes detected
// changes on a channel.
type WatchData struct {
	Channel        string `json:"channel"`
	Collection     string `json:"collection,omitempty"`
	PollIntervalMs int    `json:"pollIntervalMs,omitempty"`
}

// NotifyData carries push-subscription registrations and notification sends.
type NotifyData struct {
	Token        string          `json:"token,omitempty"`
	Endpoint     string          `json:"endpoint,omitempty"`
	UserID       string          `json:"userId,omitempty"`
	Subscription json.RawMessage `json:"subscription,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// BucketData is the payload of bucket and file events. Data is base64 on
// the wire.
type BucketData struct {
	BucketID    string `json:"bucketId,omitempty"`
	NewBucketID string `json:"newBucketId,omitempty"`
	FileID      string `json:"fileId,omitempty"`
	Name        string `json:"name,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

// ErrorData is the payload of a server error event.
type ErrorData struct {
	Message string `json:"message"`
}

// AccountResult is the payload of account:result events.
type AccountResult struct {
	Status    string      `json:"status"`
	Token     string      `json:"token,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// UsersResult is the payload of users:result and users:online events.
type UsersResult struct {
	Status  string      `json:"status"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ParseEvent parses a raw JSON frame into an event.
func ParseEvent(data []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

// NewEvent creates an event with the given type and payload.
func NewEvent(evtType EventType, data interface{}) (*Event, error) {
	var raw json.RawMessage
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			return nil, err
		}
	}
	return &Event{
		Type: evtType,
		Data: raw,
	}, nil
}

// Encode serializes an event to JSON.
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// ErrorResult builds a tagged error result.
func ErrorResult(method, message string) *Result {
	return &Result{
		Status:  StatusError,
		Method:  method,
		Message: message,
	}
}

// SuccessResult builds a tagged success result.
func SuccessResult(method string, payload interface{}) *Result {
	return &Result{
		Status: StatusSuccess,
		Method: method,
		Result: payload,
	}
}
