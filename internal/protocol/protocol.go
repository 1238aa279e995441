// Package protocol defines the JSON event envelope exchanged over a
// session websocket and the payloads carried by each named event.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event names a message on the wire
type Event string

// Inbound events
const (
	EventJoinDocument    Event = "join-document"
	EventLeaveDocument   Event = "leave-document"
	EventSendChanges     Event = "send-changes"
	EventRequestSync     Event = "request-sync"
	EventSetUserIdentity Event = "set-user-identity"
	EventCursorMove      Event = "cursor-move"
	EventAIGenerate      Event = "ai-generate"
)

// Outbound events
const (
	EventConnected      Event = "connected"
	EventDocumentState  Event = "document-state"
	EventReceiveChanges Event = "receive-changes"
	EventUsersUpdate    Event = "users-update"
	EventCursorUpdate   Event = "cursor-update"
	EventCursorRemove   Event = "cursor-remove"
	EventAIChunk        Event = "ai-chunk"
	EventAIComplete     Event = "ai-complete"
	EventAIError        Event = "ai-error"
	EventError          Event = "error"
)

// ErrMalformed is returned for frames that are not a valid envelope or
// whose payload does not match the event.
var ErrMalformed = errors.New("malformed message")

// Envelope is the frame format in both directions
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode parses a raw frame into an envelope.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if len(frame) == 0 {
		return env, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return env, fmt.Errorf("%w: missing event name", ErrMalformed)
	}
	return env, nil
}

// Payload unmarshals the envelope data into v.
func (e Envelope) Payload(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformed, e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, e.Event, err)
	}
	return nil
}

// Encode builds a frame for an outbound event.
func Encode(event Event, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Inbound payloads

// DocumentRef is the payload of join-document, leave-document and
// request-sync. Clients may also send the bare document id as a JSON string.
type DocumentRef struct {
	DocumentID string `json:"documentId"`
}

func (d *DocumentRef) UnmarshalJSON(b []byte) error {
	var id string
	if err := json.Unmarshal(b, &id); err == nil {
		d.DocumentID = id
		return nil
	}
	type plain DocumentRef
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*d = DocumentRef(p)
	return nil
}

type SendChanges struct {
	DocumentID string `json:"documentId"`
	Content    string `json:"content"`
}

type SetUserIdentity struct {
	DocumentID  string `json:"documentId"`
	DisplayName string `json:"displayName"`
	ColorTag    string `json:"colorTag"`
}

// CursorMove carries the editor's position and selection as-is. Clients
// usually send {line, column} and {start, end}, but the server never looks
// inside them.
type CursorMove struct {
	DocumentID string          `json:"documentId"`
	Position   json.RawMessage `json:"position,omitempty"`
	Selection  json.RawMessage `json:"selection,omitempty"`
}

type AIGenerate struct {
	DocumentID    string `json:"documentId"`
	Code          string `json:"code"`
	Language      string `json:"language"`
	CursorContext string `json:"cursorContext"`
	UserPrompt    string `json:"userPrompt"`
	Action        string `json:"action"`
}

// Outbound payloads

type Connected struct {
	ConnectionID string `json:"connectionId"`
}

type DocumentState struct {
	DocumentID   string    `json:"documentId"`
	Content      string    `json:"content"`
	Version      int64     `json:"version"`
	LastModified time.Time `json:"lastModified"`
}

type ReceiveChanges struct {
	DocumentID         string `json:"documentId"`
	Content            string `json:"content"`
	Version            int64  `json:"version"`
	SourceConnectionID string `json:"sourceConnectionId"`
}

type Member struct {
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
	ColorTag     string `json:"colorTag"`
}

type CursorUpdate struct {
	DocumentID   string          `json:"documentId"`
	ConnectionID string          `json:"connectionId"`
	DisplayName  string          `json:"displayName,omitempty"`
	ColorTag     string          `json:"colorTag,omitempty"`
	Position     json.RawMessage `json:"position,omitempty"`
	Selection    json.RawMessage `json:"selection,omitempty"`
}

type CursorRemove struct {
	DocumentID   string `json:"documentId"`
	ConnectionID string `json:"connectionId"`
}

type AIChunk struct {
	StreamID string `json:"streamId"`
	Chunk    string `json:"chunk"`
}

type AIComplete struct {
	StreamID string `json:"streamId"`
}

type AIError struct {
	StreamID string `json:"streamId,omitempty"`
	Code     Code   `json:"code"`
	Message  string `json:"message"`
}
