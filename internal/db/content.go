package db

import (
	"encoding/json"

	"github.com/manpreetbhatti/lattice-board/internal/codec"
	"github.com/manpreetbhatti/lattice-board/internal/store"
)

func emptyElements() []byte {
	return codec.EmptySnapshot()
}

// Snapshots are always compressed; log content only when it pays off.
func encodeElements(elements []store.Element) ([]byte, bool, error) {
	if elements == nil {
		elements = []store.Element{}
	}
	return codec.Encode(elements, true)
}

func decodeElements(data []byte, compressed bool) ([]store.Element, error) {
	elements := []store.Element{}
	if err := codec.Decode(data, compressed, &elements); err != nil {
		return nil, err
	}
	return elements, nil
}

func encodeContent(content json.RawMessage) ([]byte, bool, error) {
	if content == nil {
		content = json.RawMessage("{}")
	}
	return codec.Encode(content, false)
}

func decodeContent(data []byte, compressed bool) (json.RawMessage, error) {
	var content json.RawMessage
	if err := codec.Decode(data, compressed, &content); err != nil {
		return nil, err
	}
	return content, nil
}
