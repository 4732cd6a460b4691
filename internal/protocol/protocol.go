// Package protocol defines the JSON messages exchanged with whiteboard
// clients. Every message is an object whose "eventtype" field selects its
// shape.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/manpreetbhatti/lattice-board/internal/store"
)

// EventType is the value of a message's eventtype field.
type EventType string

const (
	CollaboratorChange  EventType = "collaborator_change"
	ElementsChanged     EventType = "elements_changed"
	FullSync            EventType = "full_sync"
	SaveRoom            EventType = "save_room"
	FilesAdded          EventType = "files_added"
	CollaboratorEntered EventType = "collaborator_entered"
	CollaboratorLeft    EventType = "collaborator_left"
	LoginRequired       EventType = "login_required"
	FilesMissing        EventType = "files_missing"

	ResetScene    EventType = "reset_scene"
	StartReplay   EventType = "start_replay"
	PauseReplay   EventType = "pause_replay"
	RestartReplay EventType = "restart_replay"
)

// ErrProtocolViolation is matched by every ViolationError.
var ErrProtocolViolation = errors.New("protocol violation")

// ViolationError reports a message the receiver refuses to dispatch. It is
// scoped to the connection that sent it.
type ViolationError struct {
	EventType string
	Reason    string
}

func (e *ViolationError) Error() string {
	if e.EventType == "" {
		return "protocol violation: " + e.Reason
	}
	return fmt.Sprintf("protocol violation: %s: %s", e.EventType, e.Reason)
}

func (e *ViolationError) Is(target error) bool { return target == ErrProtocolViolation }

// UnknownEventType is returned for event types outside the receiver's allow-list.
func UnknownEventType(eventType string) *ViolationError {
	return &ViolationError{EventType: eventType, Reason: fmt.Sprintf("the message type %q is not allowed", eventType)}
}

func malformed(t EventType, err error) *ViolationError {
	return &ViolationError{EventType: string(t), Reason: err.Error()}
}

// Message is one parsed inbound message.
type Message interface {
	Type() EventType
}

// Change is one buffered collaborator update. Fields holds every key the
// client sent except time, which is parsed into Time.
type Change struct {
	Time   *time.Time
	Fields map[string]json.RawMessage
}

type CollaboratorChangeMessage struct {
	Changes []Change
}

type ElementsChangedMessage struct {
	Elements []store.Element
}

type FullSyncMessage struct {
	Elements []store.Element
}

type SaveRoomMessage struct {
	Elements []store.Element
}

type FilesAddedMessage struct {
	FileIDs []string
}

// ControlMessage is a replay control request.
type ControlMessage struct {
	Kind EventType
}

func (CollaboratorChangeMessage) Type() EventType { return CollaboratorChange }
func (ElementsChangedMessage) Type() EventType    { return ElementsChanged }
func (FullSyncMessage) Type() EventType           { return FullSync }
func (SaveRoomMessage) Type() EventType           { return SaveRoom }
func (FilesAddedMessage) Type() EventType         { return FilesAdded }
func (m ControlMessage) Type() EventType          { return m.Kind }

// AllowList is the set of event types a receiver dispatches.
type AllowList map[EventType]struct{}

func NewAllowList(types ...EventType) AllowList {
	a := make(AllowList, len(types))
	for _, t := range types {
		a[t] = struct{}{}
	}
	return a
}

var (
	// HubEvents are dispatched by a collaboration connection.
	HubEvents = NewAllowList(CollaboratorChange, ElementsChanged, FullSync, SaveRoom, FilesAdded)
	// ReplayEvents are dispatched by a replay connection.
	ReplayEvents = NewAllowList(StartReplay, PauseReplay, RestartReplay)
)

func (a AllowList) Allows(t EventType) bool {
	_, ok := a[t]
	return ok
}

type envelope struct {
	EventType *string `json:"eventtype"`
}

// Parse decodes data into the message selected by its eventtype. Types that
// are not in the allow-list are rejected before their payload is looked at.
func (a AllowList) Parse(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ViolationError{Reason: "malformed message: " + err.Error()}
	}
	if env.EventType == nil {
		return nil, &ViolationError{Reason: "missing eventtype"}
	}
	t := EventType(*env.EventType)
	if !a.Allows(t) {
		return nil, UnknownEventType(string(t))
	}

	switch t {
	case CollaboratorChange:
		return parseCollaboratorChange(data)
	case ElementsChanged:
		els, err := parseElements(t, data)
		return ElementsChangedMessage{Elements: els}, err
	case FullSync:
		els, err := parseElements(t, data)
		return FullSyncMessage{Elements: els}, err
	case SaveRoom:
		els, err := parseElements(t, data)
		return SaveRoomMessage{Elements: els}, err
	case FilesAdded:
		var body struct {
			FileIDs []string `json:"fileids"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, malformed(t, err)
		}
		return FilesAddedMessage{FileIDs: body.FileIDs}, nil
	case StartReplay, PauseReplay, RestartReplay:
		return ControlMessage{Kind: t}, nil
	}
	return nil, UnknownEventType(string(t))
}

func parseElements(t EventType, data []byte) ([]store.Element, error) {
	var body struct {
		Elements *[]store.Element `json:"elements"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, malformed(t, err)
	}
	if body.Elements == nil {
		return nil, &ViolationError{EventType: string(t), Reason: "missing elements"}
	}
	return *body.Elements, nil
}

func parseCollaboratorChange(data []byte) (Message, error) {
	var body struct {
		Changes []map[string]json.RawMessage `json:"changes"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, malformed(CollaboratorChange, err)
	}
	if len(body.Changes) == 0 {
		return nil, &ViolationError{EventType: string(CollaboratorChange), Reason: "empty changes"}
	}

	msg := CollaboratorChangeMessage{Changes: make([]Change, 0, len(body.Changes))}
	for _, fields := range body.Changes {
		if fields == nil {
			return nil, &ViolationError{EventType: string(CollaboratorChange), Reason: "change is not an object"}
		}
		c := Change{Fields: fields}
		if raw, ok := fields["time"]; ok {
			delete(fields, "time")
			ts, err := parseTime(raw)
			if err != nil {
				return nil, malformed(CollaboratorChange, err)
			}
			c.Time = ts
		}
		msg.Changes = append(msg.Changes, c)
	}
	return msg, nil
}

// parseTime accepts an ISO-8601 string or null.
func parseTime(raw json.RawMessage) (*time.Time, error) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("time must be a string: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q", s)
	}
	return &ts, nil
}
