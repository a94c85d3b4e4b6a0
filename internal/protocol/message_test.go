package protocol

import (
	"encoding/json"
	"testing"
)

// TestParseEvent verifies frame parsing for well-formed and malformed input
func TestParseEvent(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType EventType
		wantErr  bool
	}{
		{"initialize", `{"type":"initialize","data":{"backendKind":"mongodb"}}`, EvtInitialize, false},
		{"subscribe", `{"type":"subscribe","data":{"channel":"updates"}}`, EvtSubscribe, false},
		{"account action", `{"type":"account:action","data":{"action":"signup"}}`, EvtAccount, false},
		{"no data", `{"type":"close"}`, EvtClose, false},
		{"not json", `{type: close}`, "", true},
		{"truncated", `{"type":"subscr`, "", true},
	}

	for _, tt := range tests {
		evt, err := ParseEvent([]byte(tt.input))
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error, got %+v", tt.name, evt)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tt.name, err)
			continue
		}
		if evt.Type != tt.wantType {
			t.Errorf("%s: type = %q, want %q", tt.name, evt.Type, tt.wantType)
		}
	}
}

// TestEventRoundTrip verifies NewEvent/Encode/ParseEvent agree
func TestEventRoundTrip(t *testing.T) {
	evt, err := NewEvent(EvtMessage, &MessageData{
		Channel: "updates",
		Message: json.RawMessage(`{"hello":"world"}`),
	})
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}

	encoded, err := evt.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	parsed, err := ParseEvent(encoded)
	if err != nil {
		t.Fatalf("ParseEvent failed: %v", err)
	}
	if parsed.Type != EvtMessage {
		t.Errorf("type = %q, want %q", parsed.Type, EvtMessage)
	}

	var data MessageData
	if err := json.Unmarshal(parsed.Data, &data); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if data.Channel != "updates" {
		t.Errorf("channel = %q, want %q", data.Channel, "updates")
	}
}

// TestNewEventNilData verifies events without payloads omit the data field
func TestNewEventNilData(t *testing.T) {
	evt, err := NewEvent(EvtClose, nil)
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}

	encoded, err := evt.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if string(encoded) != `{"type":"close"}` {
		t.Errorf("encoded = %s, want %s", encoded, `{"type":"close"}`)
	}
}

// TestCommandDecode verifies the closed command grammar decodes structurally
func TestCommandDecode(t *testing.T) {
	raw := `{
		"action": "execute",
		"channel": "todos",
		"method": "insert",
		"command": {
			"collection": "todos",
			"document": {"title": "write tests", "done": false},
			"limit": 10
		}
	}`

	var data ActionData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if data.Method != OpInsert {
		t.Errorf("method = %q, want %q", data.Method, OpInsert)
	}
	if data.Command == nil {
		t.Fatal("command is nil")
	}
	if data.Command.Collection != "todos" {
		t.Errorf("collection = %q, want %q", data.Command.Collection, "todos")
	}
	if data.Command.Limit != 10 {
		t.Errorf("limit = %d, want 10", data.Command.Limit)
	}
	if title := data.Command.Document["title"]; title != "write tests" {
		t.Errorf("document title = %v, want %q", title, "write tests")
	}
}

// TestResultHelpers verifies result construction tags status and method
func TestResultHelpers(t *testing.T) {
	success := SuccessResult(OpInsert, &InsertResult{InsertedID: "42"})
	if success.Status != StatusSuccess || success.Method != OpInsert {
		t.Errorf("success result = %+v", success)
	}

	failure := ErrorResult(OpGet, "no such table")
	if failure.Status != StatusError || failure.Message != "no such table" {
		t.Errorf("error result = %+v", failure)
	}
	if failure.Result != nil {
		t.Errorf("error result carries a payload: %+v", failure.Result)
	}
}

// TestResultWireShape verifies normalized results serialize with the
// camelCase field names clients expect
func TestResultWireShape(t *testing.T) {
	tests := []struct {
		name   string
		result *Result
		want   string
	}{
		{
			"insert",
			SuccessResult(OpInsert, &InsertResult{InsertedID: "abc"}),
			`{"status":"success","method":"insert","result":{"insertedId":"abc"}}`,
		},
		{
			"delete miss",
			SuccessResult(OpDelete, &DeleteResult{DeletedID: "abc", DeletedCount: 0}),
			`{"status":"success","method":"delete","result":{"deletedId":"abc","deletedCount":0}}`,
		},
		{
			"error",
			ErrorResult(OpUpdate, "boom"),
			`{"status":"error","method":"update","message":"boom"}`,
		},
	}

	for _, tt := range tests {
		encoded, err := json.Marshal(tt.result)
		if err != nil {
			t.Fatalf("%s: marshal failed: %v", tt.name, err)
		}
		if string(encoded) != tt.want {
			t.Errorf("%s:\n got %s\nwant %s", tt.name, encoded, tt.want)
		}
	}
}
