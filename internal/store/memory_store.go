package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and single-instance demos.
type MemoryStore struct {
	mu         sync.RWMutex
	rooms      map[string]*Room
	records    map[int64]*LogRecord
	byRoom     map[string][]int64
	nextID     int64
	pseudonyms map[string]*Pseudonym
	files      map[string]map[string]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:      map[string]*Room{},
		records:    map[int64]*LogRecord{},
		byRoom:     map[string][]int64{},
		pseudonyms: map[string]*Pseudonym{},
		files:      map[string]map[string]struct{}{},
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) GetRoom(_ context.Context, name string) (*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[name]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRoom(room), nil
}

func (s *MemoryStore) GetOrCreateRoom(_ context.Context, name string, defaults RoomDefaults) (*Room, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if room, ok := s.rooms[name]; ok {
		return cloneRoom(room), false, nil
	}
	now := time.Now()
	room := &Room{
		Name:            name,
		Elements:        []Element{},
		TrackingEnabled: defaults.TrackingEnabled,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.rooms[name] = room
	return cloneRoom(room), true, nil
}

func (s *MemoryStore) UpsertRoomElements(_ context.Context, name string, elements []Element) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[name]
	if !ok {
		return ErrNotFound
	}
	room.Elements = append([]Element(nil), elements...)
	room.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ReconcileRoomElements(_ context.Context, name string, decide Reconciler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[name]
	if !ok {
		return ErrNotFound
	}
	next, write := decide(append([]Element(nil), room.Elements...))
	if !write {
		return nil
	}
	room.Elements = append([]Element{}, next...)
	room.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) SetTracking(_ context.Context, name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[name]
	if !ok {
		return ErrNotFound
	}
	room.TrackingEnabled = enabled
	return nil
}

// ListRooms returns room metadata without elements, most recently updated first.
func (s *MemoryStore) ListRooms(_ context.Context, limit, offset int) ([]*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		meta := *room
		meta.Elements = nil
		rooms = append(rooms, &meta)
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].UpdatedAt.Equal(rooms[j].UpdatedAt) {
			return rooms[i].Name < rooms[j].Name
		}
		return rooms[i].UpdatedAt.After(rooms[j].UpdatedAt)
	})
	if offset >= len(rooms) {
		return []*Room{}, nil
	}
	rooms = rooms[offset:]
	if limit > 0 && len(rooms) > limit {
		rooms = rooms[:limit]
	}
	return rooms, nil
}

func (s *MemoryStore) AppendLogRecord(ctx context.Context, record *LogRecord) error {
	return s.AppendLogRecords(ctx, []*LogRecord{record})
}

func (s *MemoryStore) AppendLogRecords(_ context.Context, records []*LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range records {
		if record == nil || record.Room == "" {
			return ErrNotFound
		}
	}
	now := time.Now()
	for _, record := range records {
		s.nextID++
		record.ID = s.nextID
		if record.CreatedAt.IsZero() {
			record.CreatedAt = now
		}
		s.records[record.ID] = cloneRecord(record)
		s.byRoom[record.Room] = append(s.byRoom[record.Room], record.ID)
	}
	return nil
}

func (s *MemoryStore) LogRecordsForRoom(_ context.Context, room string) ([]RecordRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byRoom[room]
	refs := make([]RecordRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, RecordRef{ID: id, CreatedAt: s.records[id].CreatedAt})
	}
	SortRefs(refs)
	return refs, nil
}

func (s *MemoryStore) GetLogRecord(_ context.Context, id int64) (*LogRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(record), nil
}

func (s *MemoryStore) GetPseudonym(_ context.Context, room string, identity uuid.UUID) (*Pseudonym, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pseudonyms[pseudonymKey(room, identity)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (s *MemoryStore) CreatePseudonym(_ context.Context, p *Pseudonym) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pseudonymKey(p.Room, p.Identity)
	if _, exists := s.pseudonyms[key]; exists {
		return ErrAlreadyExists
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	clone := *p
	s.pseudonyms[key] = &clone
	return nil
}

func (s *MemoryStore) KnownFiles(_ context.Context, room string, ids []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		_, ok := s.files[room][id]
		known[id] = ok
	}
	return known, nil
}

func (s *MemoryStore) RegisterFile(_ context.Context, room, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files[room] == nil {
		s.files[room] = map[string]struct{}{}
	}
	s.files[room][id] = struct{}{}
	return nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Rooms: len(s.rooms), LogRecords: len(s.records), Pseudonyms: len(s.pseudonyms)}, nil
}

func (s *MemoryStore) Close() error { return nil }

// SortRefs orders replay index entries by creation time with the id as tie-break.
func SortRefs(refs []RecordRef) {
	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].CreatedAt.Equal(refs[j].CreatedAt) {
			return refs[i].ID < refs[j].ID
		}
		return refs[i].CreatedAt.Before(refs[j].CreatedAt)
	})
}

func pseudonymKey(room string, identity uuid.UUID) string {
	return room + "\x00" + identity.String()
}

func cloneRoom(room *Room) *Room {
	clone := *room
	clone.Elements = append([]Element{}, room.Elements...)
	return &clone
}

func cloneRecord(record *LogRecord) *LogRecord {
	clone := *record
	if record.Content != nil {
		clone.Content = append([]byte(nil), record.Content...)
	}
	return &clone
}
