package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRooms(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	room, created, err := s.GetOrCreateRoom(ctx, "R1", RoomDefaults{TrackingEnabled: true})
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, room.TrackingEnabled)

	e, err := NewElement("a", 1, false, nil)
	require.NoError(t, err)
	require.NoError(t, s.UpsertRoomElements(ctx, "R1", []Element{e}))

	// callers get copies
	room.Elements = append(room.Elements, e, e)
	stored, err := s.GetRoom(ctx, "R1")
	require.NoError(t, err)
	assert.Len(t, stored.Elements, 1)

	_, created, err = s.GetOrCreateRoom(ctx, "R1", RoomDefaults{})
	require.NoError(t, err)
	assert.False(t, created)

	assert.ErrorIs(t, s.UpsertRoomElements(ctx, "nope", nil), ErrNotFound)
	assert.ErrorIs(t, s.SetTracking(ctx, "nope", true), ErrNotFound)

	rooms, err := s.ListRooms(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Nil(t, rooms[0].Elements)
}

func TestMemoryStoreLogOrdering(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	t0 := time.Now()

	late := &LogRecord{Room: "R", EventType: "elements_changed", CreatedAt: t0.Add(time.Second)}
	early := &LogRecord{Room: "R", EventType: "collaborator_change", CreatedAt: t0}
	tie := &LogRecord{Room: "R", EventType: "full_sync", CreatedAt: t0, Content: json.RawMessage(`{"elements":[]}`)}
	require.NoError(t, s.AppendLogRecords(ctx, []*LogRecord{late, early, tie}))

	refs, err := s.LogRecordsForRoom(ctx, "R")
	require.NoError(t, err)
	ids := []int64{refs[0].ID, refs[1].ID, refs[2].ID}
	assert.Equal(t, []int64{early.ID, tie.ID, late.ID}, ids)

	got, err := s.GetLogRecord(ctx, tie.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"elements":[]}`, string(got.Content))

	_, err = s.GetLogRecord(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreBatchIsAtomic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.AppendLogRecords(ctx, []*LogRecord{{Room: "R", EventType: "x"}, {EventType: "y"}})
	require.Error(t, err)

	refs, err := s.LogRecordsForRoom(ctx, "R")
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestMemoryStorePseudonymConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, s.CreatePseudonym(ctx, &Pseudonym{Room: "R", Identity: id, Value: "one"}))
	err := s.CreatePseudonym(ctx, &Pseudonym{Room: "R", Identity: id, Value: "two"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	p, err := s.GetPseudonym(ctx, "R", id)
	require.NoError(t, err)
	assert.Equal(t, "one", p.Value)

	// same identity in another room is a different pair
	require.NoError(t, s.CreatePseudonym(ctx, &Pseudonym{Room: "S", Identity: id, Value: "three"}))
}

func TestMemoryStoreFilesAndStats(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.RegisterFile(ctx, "R", "f1"))
	known, err := s.KnownFiles(ctx, "R", []string{"f1", "f2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"f1": true, "f2": false}, known)

	s.GetOrCreateRoom(ctx, "R", RoomDefaults{})
	s.AppendLogRecord(ctx, &LogRecord{Room: "R", EventType: "x"})
	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Rooms: 1, LogRecords: 1}, stats)
}

func TestFail(t *testing.T) {
	assert.NoError(t, Fail("op", nil))
	assert.Same(t, ErrNotFound, Fail("op", ErrNotFound))

	err := Fail("get room", errors.New("disk gone"))
	assert.ErrorIs(t, err, ErrPersistence)
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "get room", pe.Op)

	assert.Same(t, err, Fail("outer", err))
}

func TestMemoryStoreReconcileIsAtomic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, _, err := s.GetOrCreateRoom(ctx, "R1", RoomDefaults{})
	require.NoError(t, err)

	assert.ErrorIs(t, s.ReconcileRoomElements(ctx, "nope", func([]Element) ([]Element, bool) {
		t.Error("decide must not run for an unknown room")
		return nil, false
	}), ErrNotFound)

	// every writer bumps the counter element by one
	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.ReconcileRoomElements(ctx, "R1", func(stored []Element) ([]Element, bool) {
				var v int64
				if len(stored) > 0 {
					v = stored[0].Version
				}
				e, err := NewElement("counter", v+1, false, nil)
				assert.NoError(t, err)
				return []Element{e}, true
			}))
		}()
	}
	wg.Wait()

	room, err := s.GetRoom(ctx, "R1")
	require.NoError(t, err)
	require.Len(t, room.Elements, 1)
	assert.EqualValues(t, writers, room.Elements[0].Version)

	// write=false keeps the snapshot
	require.NoError(t, s.ReconcileRoomElements(ctx, "R1", func([]Element) ([]Element, bool) {
		return []Element{}, false
	}))
	room, err = s.GetRoom(ctx, "R1")
	require.NoError(t, err)
	assert.Len(t, room.Elements, 1)
}
