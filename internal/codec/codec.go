// Package codec turns whiteboard content into the compact binary form that is
// persisted for room snapshots and log records.
//
// Content is serialized as canonical JSON (object keys sorted, no HTML
// escaping) and zlib-compressed. The compressed bytes are kept only when the
// caller forces compression or when they are strictly smaller than the plain
// JSON. The caller stores the returned flag next to the bytes and hands it
// back to Decode.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

var (
	// ErrEncode marks values that cannot be serialized.
	ErrEncode = errors.New("codec: encode failed")
	// ErrDecode marks bytes that are not a valid encoding.
	ErrDecode = errors.New("codec: decode failed")
)

// Error carries the failing operation and its cause.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("codec: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match the ErrEncode and ErrDecode sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrEncode:
		return e.Op == "encode"
	case ErrDecode:
		return e.Op == "decode"
	}
	return false
}

var emptySnapshot []byte

func init() {
	data, _, err := Encode([]any{}, true)
	if err != nil {
		panic(err)
	}
	emptySnapshot = data
}

// EmptySnapshot returns the compressed encoding of an empty element list,
// which is the default snapshot of a freshly created room.
func EmptySnapshot() []byte {
	return append([]byte(nil), emptySnapshot...)
}

// Marshal returns the canonical JSON form of v without compression. Values
// that carry their own JSON bytes, such as elements kept as the client sent
// them, are normalized too: v is encoded, decoded into generic values and
// encoded again, which sorts the keys of every object.
func Marshal(v any) ([]byte, error) {
	first, err := json.Marshal(v)
	if err != nil {
		return nil, &Error{Op: "encode", Err: err}
	}

	dec := json.NewDecoder(bytes.NewReader(first))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, &Error{Op: "encode", Err: err}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, &Error{Op: "encode", Err: err}
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Encode serializes v and reports whether the returned bytes are compressed.
func Encode(v any, forceCompression bool) ([]byte, bool, error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, false, err
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, false, &Error{Op: "encode", Err: err}
	}
	if err := zw.Close(); err != nil {
		return nil, false, &Error{Op: "encode", Err: err}
	}

	if forceCompression || buf.Len() < len(raw) {
		return buf.Bytes(), true, nil
	}
	return raw, false, nil
}

// Decode parses data into v. Numbers decoded into interface values are kept
// as json.Number so that no precision is lost.
func Decode(data []byte, compressed bool, v any) error {
	raw := data
	if compressed {
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return &Error{Op: "decode", Err: err}
		}
		defer zr.Close()
		raw, err = io.ReadAll(zr)
		if err != nil {
			return &Error{Op: "decode", Err: err}
		}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return &Error{Op: "decode", Err: err}
	}
	if dec.More() {
		return &Error{Op: "decode", Err: errors.New("trailing data after value")}
	}
	return nil
}

// DecodeValue decodes data into a generic JSON value.
func DecodeValue(data []byte, compressed bool) (any, error) {
	var v any
	if err := Decode(data, compressed, &v); err != nil {
		return nil, err
	}
	return v, nil
}
