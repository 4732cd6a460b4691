package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/lattice-board/internal/store"
)

func TestParseHubMessages(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want EventType
	}{
		{"elements changed", `{"eventtype":"elements_changed","elements":[{"id":"a","version":1}]}`, ElementsChanged},
		{"full sync", `{"eventtype":"full_sync","elements":[]}`, FullSync},
		{"save room", `{"eventtype":"save_room","elements":[{"id":"a","version":2,"isDeleted":true}]}`, SaveRoom},
		{"files added", `{"eventtype":"files_added","fileids":["f1"]}`, FilesAdded},
		{"collaborator change", `{"eventtype":"collaborator_change","changes":[{"pointer":{"x":1}}]}`, CollaboratorChange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := HubEvents.Parse([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.Type())
		})
	}
}

func TestParseSaveRoomElements(t *testing.T) {
	msg, err := HubEvents.Parse([]byte(`{"eventtype":"save_room","elements":[{"id":"a","version":2,"isDeleted":true,"fileId":"f"}]}`))
	require.NoError(t, err)

	save := msg.(SaveRoomMessage)
	require.Len(t, save.Elements, 1)
	assert.Equal(t, "a", save.Elements[0].ID)
	assert.EqualValues(t, 2, save.Elements[0].Version)
	assert.True(t, save.Elements[0].IsDeleted)
	assert.Equal(t, "f", save.Elements[0].FileID)
}

func TestParseUnknownEventType(t *testing.T) {
	_, err := HubEvents.Parse([]byte(`{"eventtype":"drop_tables"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProtocolViolation))

	var v *ViolationError
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "drop_tables", v.EventType)

	// replay controls are not hub events and vice versa
	_, err = HubEvents.Parse([]byte(`{"eventtype":"start_replay"}`))
	assert.ErrorIs(t, err, ErrProtocolViolation)
	_, err = ReplayEvents.Parse([]byte(`{"eventtype":"save_room","elements":[]}`))
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestParseMalformed(t *testing.T) {
	inputs := []string{
		`not json`,
		`{"elements":[]}`,
		`{"eventtype":"save_room"}`,
		`{"eventtype":"save_room","elements":[{"version":1}]}`,
		`{"eventtype":"collaborator_change","changes":[]}`,
		`{"eventtype":"collaborator_change","changes":[{"time":"yesterday"}]}`,
	}
	for _, in := range inputs {
		_, err := HubEvents.Parse([]byte(in))
		assert.ErrorIs(t, err, ErrProtocolViolation, in)
	}
}

func TestParseCollaboratorChangeTimes(t *testing.T) {
	in := `{"eventtype":"collaborator_change","changes":[
		{"time":"2024-03-01T12:00:00.000Z","pointer":{"x":1}},
		{"pointer":{"x":2}},
		{"time":null,"username":"u"}
	]}`
	msg, err := HubEvents.Parse([]byte(in))
	require.NoError(t, err)

	changes := msg.(CollaboratorChangeMessage).Changes
	require.Len(t, changes, 3)
	require.NotNil(t, changes[0].Time)
	assert.True(t, changes[0].Time.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))
	assert.NotContains(t, changes[0].Fields, "time")
	assert.JSONEq(t, `{"x":1}`, string(changes[0].Fields["pointer"]))
	assert.Nil(t, changes[1].Time)
	assert.Nil(t, changes[2].Time)
}

func TestParseReplayControls(t *testing.T) {
	for _, kind := range []EventType{StartReplay, PauseReplay, RestartReplay} {
		msg, err := ReplayEvents.Parse([]byte(`{"eventtype":"` + string(kind) + `"}`))
		require.NoError(t, err)
		assert.Equal(t, ControlMessage{Kind: kind}, msg)
	}
}

func TestEncodeEvents(t *testing.T) {
	e, _ := store.NewElement("a", 1, false, map[string]any{"text": "<b>ü</b>"})

	tests := []struct {
		name  string
		event any
		want  string
	}{
		{"collaborator left", NewCollaboratorLeft("p1"), `{"eventtype":"collaborator_left","collaborator":{"userRoomId":"p1"}}`},
		{"files missing", NewFilesMissing([]string{"f1"}), `{"eventtype":"files_missing","missing":["f1"]}`},
		{"files added", NewFilesAdded(nil), `{"eventtype":"files_added","fileids":[]}`},
		{"reset scene", NewResetScene(250, 3), `{"eventtype":"reset_scene","duration":250,"steps":3}`},
		{"login required", NewSignal(LoginRequired), `{"eventtype":"login_required"}`},
		{"elements", NewElements(FullSync, []store.Element{e}), `{"eventtype":"full_sync","elements":[{"id":"a","isDeleted":false,"text":"<b>ü</b>","version":1}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Encode(tt.event)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(out))
		})
	}
}

func TestEncodeKeepsMarkup(t *testing.T) {
	out, err := Encode(NewCollaboratorLeft("<p>"))
	require.NoError(t, err)
	assert.Contains(t, string(out), `"<p>"`)
}

func TestAnnotate(t *testing.T) {
	fields := map[string]json.RawMessage{"pointer": json.RawMessage(`{"x":1}`)}
	out, err := Annotate(fields, "userRoomId", "p1")
	require.NoError(t, err)
	assert.Equal(t, `"p1"`, string(out["userRoomId"]))
	assert.NotContains(t, fields, "userRoomId")
}
