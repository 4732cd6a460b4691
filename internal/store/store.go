package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	// ErrPersistence marks failures of the underlying storage engine.
	ErrPersistence = errors.New("store: persistence failure")
)

// PersistenceError wraps a storage-engine failure with the operation that hit it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Fail wraps err as a PersistenceError unless it already is one or is one of
// the store's domain sentinels.
func Fail(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrPersistence) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// Room is the durable state of one whiteboard.
type Room struct {
	Name            string
	Elements        []Element
	TrackingEnabled bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RoomDefaults are applied when a room is created lazily.
type RoomDefaults struct {
	TrackingEnabled bool
}

// LogRecord is one immutable entry of a room's event log.
type LogRecord struct {
	ID        int64
	Room      string
	EventType string
	Pseudonym string
	CreatedAt time.Time
	Content   json.RawMessage
}

// RecordRef is the replay index entry of a log record.
type RecordRef struct {
	ID        int64
	CreatedAt time.Time
}

// Pseudonym binds a participant identity to its per-room pseudonym.
type Pseudonym struct {
	Room      string
	Identity  uuid.UUID
	Value     string
	CreatedAt time.Time
}

// Stats summarizes store contents.
type Stats struct {
	Rooms      int `json:"rooms"`
	LogRecords int `json:"log_records"`
	Pseudonyms int `json:"pseudonyms"`
}

// Reconciler receives the stored element set and returns the set to store
// in its place. write=false leaves the snapshot untouched.
type Reconciler func(stored []Element) (next []Element, write bool)

// SnapshotStore persists room snapshots.
type SnapshotStore interface {
	GetRoom(ctx context.Context, name string) (*Room, error)
	GetOrCreateRoom(ctx context.Context, name string, defaults RoomDefaults) (*Room, bool, error)
	// UpsertRoomElements atomically replaces the stored element set.
	UpsertRoomElements(ctx context.Context, name string, elements []Element) error
	// ReconcileRoomElements calls decide once with the current snapshot and
	// stores its result. No other write to the room can happen between the
	// read and the write.
	ReconcileRoomElements(ctx context.Context, name string, decide Reconciler) error
	SetTracking(ctx context.Context, name string, enabled bool) error
	ListRooms(ctx context.Context, limit, offset int) ([]*Room, error)
}

// LogStore is the append-only event log.
type LogStore interface {
	AppendLogRecord(ctx context.Context, record *LogRecord) error
	// AppendLogRecords appends all records or none.
	AppendLogRecords(ctx context.Context, records []*LogRecord) error
	// LogRecordsForRoom returns the replay index ordered by creation time, then id.
	LogRecordsForRoom(ctx context.Context, room string) ([]RecordRef, error)
	GetLogRecord(ctx context.Context, id int64) (*LogRecord, error)
}

// PseudonymStore persists pseudonyms. CreatePseudonym returns ErrAlreadyExists
// when the (room, identity) pair is already stored.
type PseudonymStore interface {
	GetPseudonym(ctx context.Context, room string, identity uuid.UUID) (*Pseudonym, error)
	CreatePseudonym(ctx context.Context, p *Pseudonym) error
}

// AttachmentIndex knows which binary files were uploaded to which room.
type AttachmentIndex interface {
	KnownFiles(ctx context.Context, room string, ids []string) (map[string]bool, error)
	RegisterFile(ctx context.Context, room, id string) error
}

// Store bundles every persistence concern of the core.
type Store interface {
	SnapshotStore
	LogStore
	PseudonymStore
	AttachmentIndex
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
