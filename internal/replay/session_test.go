package replay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/lattice-board/internal/protocol"
	"github.com/manpreetbhatti/lattice-board/internal/store"
)

type chanSender chan []byte

func (c chanSender) Send(frame []byte) bool {
	c <- append([]byte(nil), frame...)
	return true
}

type waiter struct {
	d  time.Duration
	ch chan time.Time
}

// manualClock hands every requested wait to the test.
type manualClock struct {
	waits chan waiter
}

func (c *manualClock) After(d time.Duration) <-chan time.Time {
	w := waiter{d: d, ch: make(chan time.Time, 1)}
	c.waits <- w
	return w.ch
}

type harness struct {
	t       *testing.T
	session *Session
	frames  chanSender
	clock   *manualClock
}

func newHarness(t *testing.T, s store.LogStore, ceiling time.Duration) *harness {
	h := &harness{
		t:      t,
		frames: make(chanSender, 64),
		clock:  &manualClock{waits: make(chan waiter, 8)},
	}
	h.session = NewSession(h.frames, Options{Store: s, Room: "R1", Ceiling: ceiling, Clock: h.clock})
	t.Cleanup(h.session.Close)
	return h
}

func (h *harness) next() map[string]any {
	h.t.Helper()
	select {
	case f := <-h.frames:
		var m map[string]any
		require.NoError(h.t, json.Unmarshal(f, &m))
		return m
	case <-time.After(2 * time.Second):
		h.t.Fatal("no frame received")
		return nil
	}
}

func (h *harness) expect(eventType string) map[string]any {
	h.t.Helper()
	m := h.next()
	require.Equal(h.t, eventType, m["eventtype"])
	return m
}

func (h *harness) wait(d time.Duration) waiter {
	h.t.Helper()
	select {
	case w := <-h.clock.waits:
		assert.Equal(h.t, d, w.d)
		return w
	case <-time.After(2 * time.Second):
		h.t.Fatal("no wait scheduled")
		return waiter{}
	}
}

func (h *harness) control(kind protocol.EventType) {
	h.t.Helper()
	require.NoError(h.t, h.session.Control(kind))
}

func (h *harness) quiet() {
	h.t.Helper()
	select {
	case f := <-h.frames:
		h.t.Fatalf("unexpected frame %s", f)
	case <-time.After(50 * time.Millisecond):
	}
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func record(eventType, pseudonym string, at time.Time, content string) *store.LogRecord {
	return &store.LogRecord{
		Room:      "R1",
		EventType: eventType,
		Pseudonym: pseudonym,
		CreatedAt: at,
		Content:   json.RawMessage(content),
	}
}

func seed(t *testing.T, records ...*store.LogRecord) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	require.NoError(t, s.AppendLogRecords(context.Background(), records))
	return s
}

func elements(id string) string {
	return `{"elements":[{"id":"` + id + `","version":1,"isDeleted":false}]}`
}

func TestReplayPacingIsClamped(t *testing.T) {
	s := seed(t,
		record("elements_changed", "p1", t0, elements("a")),
		record("elements_changed", "p1", t0.Add(50*time.Millisecond), elements("b")),
		record("full_sync", "p1", t0.Add(5000*time.Millisecond), elements("c")),
	)
	h := newHarness(t, s, 200*time.Millisecond)

	h.control(protocol.StartReplay)
	reset := h.expect("reset_scene")
	assert.EqualValues(t, 250, reset["duration"])
	assert.EqualValues(t, 3, reset["steps"])
	h.expect("start_replay")

	first := h.expect("elements_changed")
	assert.Equal(t, "a", first["elements"].([]any)[0].(map[string]any)["id"])
	h.wait(50 * time.Millisecond).ch <- time.Now()

	h.expect("elements_changed")
	h.wait(200 * time.Millisecond).ch <- time.Now()

	last := h.expect("full_sync")
	assert.Equal(t, "c", last["elements"].([]any)[0].(map[string]any)["id"])
	h.expect("pause_replay")
	h.quiet()
}

func TestReplayEmptyRoom(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), time.Second)

	h.control(protocol.StartReplay)
	reset := h.expect("reset_scene")
	assert.EqualValues(t, 0, reset["duration"])
	assert.EqualValues(t, 0, reset["steps"])
	h.expect("pause_replay")
	h.quiet()
}

func TestReplayPauseAndResume(t *testing.T) {
	s := seed(t,
		record("elements_changed", "p1", t0, elements("a")),
		record("elements_changed", "p1", t0.Add(100*time.Millisecond), elements("b")),
	)
	h := newHarness(t, s, time.Second)

	h.control(protocol.StartReplay)
	h.expect("reset_scene")
	h.expect("start_replay")
	h.expect("elements_changed")
	pending := h.wait(100 * time.Millisecond)

	h.control(protocol.PauseReplay)
	h.expect("pause_replay")

	// the abandoned wait must not advance a paused replay
	pending.ch <- time.Now()
	h.quiet()

	h.control(protocol.StartReplay)
	h.expect("start_replay")
	second := h.expect("elements_changed")
	assert.Equal(t, "b", second["elements"].([]any)[0].(map[string]any)["id"])
	h.expect("pause_replay")
}

func TestReplayRestart(t *testing.T) {
	s := seed(t,
		record("elements_changed", "p1", t0, elements("a")),
		record("elements_changed", "p1", t0.Add(10*time.Millisecond), elements("b")),
	)
	h := newHarness(t, s, time.Second)

	h.control(protocol.StartReplay)
	h.expect("reset_scene")
	h.expect("start_replay")
	h.expect("elements_changed")
	h.wait(10 * time.Millisecond)

	h.control(protocol.RestartReplay)
	h.expect("reset_scene")
	h.expect("start_replay")
	first := h.expect("elements_changed")
	assert.Equal(t, "a", first["elements"].([]any)[0].(map[string]any)["id"])
	h.wait(10 * time.Millisecond)
}

func TestReplayTranslatesCollaborators(t *testing.T) {
	s := seed(t,
		record("collaborator_entered", "p1", t0, `{}`),
		record("collaborator_change", "p1", t0, `{"pointer":{"x":1}}`),
		record("collaborator_change", "p2", t0, `{"pointer":{"x":2}}`),
		record("collaborator_change", "p1", t0, `{"pointer":{"x":3}}`),
		record("collaborator_left", "p2", t0, `{}`),
		record("something_else", "p2", t0, `{}`),
	)
	h := newHarness(t, s, time.Second)

	h.control(protocol.StartReplay)
	h.expect("reset_scene")
	h.expect("start_replay")

	// entered records are paced but not shown
	h.wait(0).ch <- time.Now()

	var users []string
	for i := 0; i < 3; i++ {
		change := h.expect("collaborator_change")["changes"].([]any)[0].(map[string]any)
		users = append(users, change["username"].(string))
		assert.Contains(t, []any{"p1", "p2"}, change["userRoomId"])
		assert.Contains(t, change, "pointer")
		h.wait(0).ch <- time.Now()
	}
	assert.Equal(t, []string{"Collaborator 1", "Collaborator 2", "Collaborator 1"}, users)

	left := h.expect("collaborator_left")
	assert.Equal(t, map[string]any{"userRoomId": "p2"}, left["collaborator"])
	h.wait(0).ch <- time.Now()
	h.expect("pause_replay")
}

func TestReplayIgnoresUnknownMessages(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore(), time.Second)

	assert.NoError(t, h.session.Handle([]byte(`{"eventtype":"save_room","elements":[]}`)))
	assert.NoError(t, h.session.Handle([]byte(`not json`)))
	h.quiet()

	assert.NoError(t, h.session.Handle([]byte(`{"eventtype":"start_replay"}`)))
	h.expect("reset_scene")
}

func TestReplayClose(t *testing.T) {
	s := seed(t,
		record("elements_changed", "p1", t0, elements("a")),
		record("elements_changed", "p1", t0.Add(time.Second), elements("b")),
	)
	h := newHarness(t, s, time.Second)
	h.control(protocol.StartReplay)
	h.expect("reset_scene")
	h.expect("start_replay")
	h.expect("elements_changed")
	h.wait(time.Second)

	h.session.Close()
	h.session.Close()
	assert.ErrorIs(t, h.session.Control(protocol.StartReplay), ErrClosed)
}

func TestAliaser(t *testing.T) {
	a := NewAliaser()
	assert.Equal(t, "Collaborator 1", a.Alias("x"))
	assert.Equal(t, "Collaborator 2", a.Alias("y"))
	assert.Equal(t, "Collaborator 1", a.Alias("x"))
}

func TestPace(t *testing.T) {
	assert.Equal(t, 50*time.Millisecond, pace(t0, t0.Add(50*time.Millisecond), 200*time.Millisecond))
	assert.Equal(t, 200*time.Millisecond, pace(t0, t0.Add(time.Hour), 200*time.Millisecond))
	assert.Equal(t, time.Duration(0), pace(t0, t0.Add(-time.Second), 200*time.Millisecond))
}
