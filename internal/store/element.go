package store

import (
	"encoding/json"
	"errors"
)

// Element is one versioned drawable. Only id, version, isDeleted and fileId
// are interpreted; every other field is carried through untouched.
type Element struct {
	ID        string
	Version   int64
	IsDeleted bool
	FileID    string

	raw json.RawMessage
}

type elementHeader struct {
	ID        string `json:"id"`
	Version   int64  `json:"version"`
	IsDeleted bool   `json:"isDeleted"`
	FileID    string `json:"fileId,omitempty"`
}

// NewElement builds an element from its header fields plus opaque extras.
func NewElement(id string, version int64, deleted bool, extra map[string]any) (Element, error) {
	fields := make(map[string]any, len(extra)+3)
	for k, v := range extra {
		fields[k] = v
	}
	fields["id"] = id
	fields["version"] = version
	fields["isDeleted"] = deleted

	raw, err := json.Marshal(fields)
	if err != nil {
		return Element{}, err
	}
	var e Element
	if err := e.UnmarshalJSON(raw); err != nil {
		return Element{}, err
	}
	return e, nil
}

func (e *Element) UnmarshalJSON(data []byte) error {
	var h elementHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return err
	}
	if h.ID == "" {
		return errors.New("element: missing id")
	}
	e.ID = h.ID
	e.Version = h.Version
	e.IsDeleted = h.IsDeleted
	e.FileID = h.FileID
	e.raw = append(e.raw[:0:0], data...)
	return nil
}

func (e Element) MarshalJSON() ([]byte, error) {
	if e.raw != nil {
		return e.raw, nil
	}
	return json.Marshal(elementHeader{ID: e.ID, Version: e.Version, IsDeleted: e.IsDeleted, FileID: e.FileID})
}

// Raw returns the element exactly as the client sent it.
func (e Element) Raw() json.RawMessage {
	b, _ := e.MarshalJSON()
	return b
}
