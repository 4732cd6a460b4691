package protocol

import (
	"encoding/json"

	"github.com/manpreetbhatti/lattice-board/internal/codec"
	"github.com/manpreetbhatti/lattice-board/internal/store"
)

// Collaborator identifies a participant on the wire.
type Collaborator struct {
	UserRoomID string `json:"userRoomId"`
}

type CollaboratorLeftEvent struct {
	EventType    EventType    `json:"eventtype"`
	Collaborator Collaborator `json:"collaborator"`
}

type FilesMissingEvent struct {
	EventType EventType `json:"eventtype"`
	Missing   []string  `json:"missing"`
}

type FilesAddedEvent struct {
	EventType EventType `json:"eventtype"`
	FileIDs   []string  `json:"fileids"`
}

type ElementsEvent struct {
	EventType EventType       `json:"eventtype"`
	Elements  []store.Element `json:"elements"`
}

// CollaboratorChangeEvent carries changes as already-annotated objects.
type CollaboratorChangeEvent struct {
	EventType EventType                    `json:"eventtype"`
	Changes   []map[string]json.RawMessage `json:"changes"`
}

// ResetSceneEvent starts a replay. Duration is in milliseconds; Steps is
// the number of records that will be sent.
type ResetSceneEvent struct {
	EventType EventType `json:"eventtype"`
	Duration  int64     `json:"duration"`
	Steps     int       `json:"steps"`
}

// SignalEvent is a message without payload, e.g. login_required or pause_replay.
type SignalEvent struct {
	EventType EventType `json:"eventtype"`
}

func NewCollaboratorLeft(pseudonym string) CollaboratorLeftEvent {
	return CollaboratorLeftEvent{EventType: CollaboratorLeft, Collaborator: Collaborator{UserRoomID: pseudonym}}
}

func NewFilesMissing(missing []string) FilesMissingEvent {
	return FilesMissingEvent{EventType: FilesMissing, Missing: missing}
}

func NewFilesAdded(ids []string) FilesAddedEvent {
	if ids == nil {
		ids = []string{}
	}
	return FilesAddedEvent{EventType: FilesAdded, FileIDs: ids}
}

func NewElements(t EventType, elements []store.Element) ElementsEvent {
	if elements == nil {
		elements = []store.Element{}
	}
	return ElementsEvent{EventType: t, Elements: elements}
}

func NewCollaboratorChange(changes ...map[string]json.RawMessage) CollaboratorChangeEvent {
	return CollaboratorChangeEvent{EventType: CollaboratorChange, Changes: changes}
}

func NewResetScene(durationMillis int64, steps int) ResetSceneEvent {
	return ResetSceneEvent{EventType: ResetScene, Duration: durationMillis, Steps: steps}
}

func NewSignal(t EventType) SignalEvent {
	return SignalEvent{EventType: t}
}

// Encode renders an outbound event as a JSON text frame.
func Encode(event any) ([]byte, error) {
	return codec.Marshal(event)
}

// Annotate returns a copy of fields with key set to the JSON encoding of value.
func Annotate(fields map[string]json.RawMessage, key string, value any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	out[key] = raw
	return out, nil
}
