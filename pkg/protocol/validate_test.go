package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	noteID  = "efa2765b-dfe0-4476-8220-e70b706421e7"
	rollID  = "0d6f1f43-9c6a-4f43-8a6e-8b8f3c3d7f21"
	instID  = "5b0c5d0e-3a1a-4c8e-9d3b-2f6a7c1e9b44"
	sessID  = "a3bb189e-8bf9-3888-9912-ace4e6543002"
	badUUID = "efa2765b-dfe0-4476-8220"
)

func TestValidateAccepts(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Message
	}{
		{
			name: "ping",
			raw:  `{"action":"ping"}`,
			want: Ping{},
		},
		{
			name: "session-get",
			raw:  `{"action":"session-get"}`,
			want: SessionGet{},
		},
		{
			name: "session-create with empty password",
			raw:  `{"action":"session-create","password":""}`,
			want: SessionCreate{Password: ""},
		},
		{
			name: "session-auth",
			raw:  `{"action":"session-auth","id":"` + sessID + `","password":"x"}`,
			want: SessionAuth{ID: sessID, Password: "x"},
		},
		{
			name: "note-create",
			raw:  `{"action":"note-create","roll":"` + rollID + `","note":{"x":0,"y":0,"length":1,"uuid":"` + noteID + `"}}`,
			want: NoteCreate{Roll: rollID, NoteID: noteID, Note: Note{X: 0, Y: 0, Length: 1}},
		},
		{
			name: "note-create upper bounds",
			raw:  `{"action":"note-create","roll":"` + rollID + `","note":{"x":63,"y":87,"length":400,"uuid":"` + noteID + `"}}`,
			want: NoteCreate{Roll: rollID, NoteID: noteID, Note: Note{X: 63, Y: 87, Length: 400}},
		},
		{
			name: "note-create long note",
			raw:  `{"action":"note-create","roll":"` + rollID + `","note":{"x":0,"y":0,"length":3000000000,"uuid":"` + noteID + `"}}`,
			want: NoteCreate{Roll: rollID, NoteID: noteID, Note: Note{X: 0, Y: 0, Length: 3000000000}},
		},
		{
			name: "note-create longest exact length",
			raw:  `{"action":"note-create","roll":"` + rollID + `","note":{"x":0,"y":0,"length":9007199254740992,"uuid":"` + noteID + `"}}`,
			want: NoteCreate{Roll: rollID, NoteID: noteID, Note: Note{X: 0, Y: 0, Length: 1 << 53}},
		},
		{
			name: "integer written with zero fraction",
			raw:  `{"action":"note-create","roll":"` + rollID + `","note":{"x":2.0,"y":3,"length":1,"uuid":"` + noteID + `"}}`,
			want: NoteCreate{Roll: rollID, NoteID: noteID, Note: Note{X: 2, Y: 3, Length: 1}},
		},
		{
			name: "note-remove",
			raw:  `{"action":"note-remove","roll":"` + rollID + `","note":{"uuid":"` + noteID + `"}}`,
			want: NoteRemove{Roll: rollID, NoteID: noteID},
		},
		{
			name: "instrument-create",
			raw:  `{"action":"instrument-create","uuid":"` + instID + `","props":{"roll":"` + rollID + `","instrument":"808","volume":-12.5,"reverb":0.2,"delay":1}}`,
			want: InstrumentCreate{ID: instID, Props: Instrument{Roll: rollID, Name: "808", Volume: -12.5, Reverb: 0.2, Delay: 1}},
		},
		{
			name: "instrument-remove",
			raw:  `{"action":"instrument-remove","uuid":"` + instID + `"}`,
			want: InstrumentRemove{ID: instID},
		},
		{
			name: "keyboard-play lower bound",
			raw:  `{"action":"keyboard-play","keyboard-note":21}`,
			want: KeyboardPlay{Key: 21},
		},
		{
			name: "keyboard-stop upper bound",
			raw:  `{"action":"keyboard-stop","keyboard-note":108}`,
			want: KeyboardStop{Key: 108},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Validate([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg)
			assert.Equal(t, tt.want.Action(), msg.Action())
		})
	}
}

func TestValidateNoteUpdatePartial(t *testing.T) {
	msg, err := Validate([]byte(`{"action":"note-update","roll":"` + rollID + `","note":{"x":5,"uuid":"` + noteID + `"}}`))
	require.NoError(t, err)

	update, ok := msg.(NoteUpdate)
	require.True(t, ok)
	require.NotNil(t, update.Patch.X)
	assert.Equal(t, int64(5), *update.Patch.X)
	assert.Nil(t, update.Patch.Y)
	assert.Nil(t, update.Patch.Length)

	msg, err = Validate([]byte(`{"action":"note-update","roll":"` + rollID + `","note":{"uuid":"` + noteID + `"}}`))
	require.NoError(t, err)
	assert.Equal(t, NoteUpdate{Roll: rollID, NoteID: noteID}, msg)
}

func TestValidateInstrumentUpdatePartial(t *testing.T) {
	msg, err := Validate([]byte(`{"action":"instrument-update","uuid":"` + instID + `","props":{"volume":-3}}`))
	require.NoError(t, err)

	update, ok := msg.(InstrumentUpdate)
	require.True(t, ok)
	require.NotNil(t, update.Patch.Volume)
	assert.Equal(t, -3.0, *update.Patch.Volume)
	assert.Nil(t, update.Patch.Name)
	assert.Nil(t, update.Patch.Reverb)
	assert.Nil(t, update.Patch.Delay)
}

func TestValidateRejects(t *testing.T) {
	note := func(body string) string {
		return `{"action":"note-create","roll":"` + rollID + `","note":{` + body + `}}`
	}
	tests := []struct {
		name   string
		raw    string
		decode bool
	}{
		{name: "not json", raw: `{action:`, decode: true},
		{name: "json array", raw: `[1,2]`, decode: true},
		{name: "json null", raw: `null`, decode: true},
		{name: "missing action", raw: `{"password":"x"}`},
		{name: "action not a string", raw: `{"action":3}`},
		{name: "unknown action", raw: `{"action":"note-delete"}`},
		{name: "ping with extra field", raw: `{"action":"ping","id":"` + sessID + `"}`},
		{name: "x below zero", raw: note(`"x":-1,"y":0,"length":1,"uuid":"` + noteID + `"`)},
		{name: "x above 63", raw: note(`"x":64,"y":0,"length":1,"uuid":"` + noteID + `"`)},
		{name: "y below zero", raw: note(`"x":0,"y":-1,"length":1,"uuid":"` + noteID + `"`)},
		{name: "y above 87", raw: note(`"x":0,"y":88,"length":1,"uuid":"` + noteID + `"`)},
		{name: "length below one", raw: note(`"x":0,"y":0,"length":0,"uuid":"` + noteID + `"`)},
		{name: "length above 2^53", raw: note(`"x":0,"y":0,"length":9007199254740994,"uuid":"` + noteID + `"`)},
		{name: "fractional x", raw: note(`"x":1.5,"y":0,"length":1,"uuid":"` + noteID + `"`)},
		{name: "x as string", raw: note(`"x":"1","y":0,"length":1,"uuid":"` + noteID + `"`)},
		{name: "x null", raw: note(`"x":null,"y":0,"length":1,"uuid":"` + noteID + `"`)},
		{name: "invalid note uuid", raw: note(`"x":0,"y":0,"length":1,"uuid":"` + badUUID + `"`)},
		{name: "missing x", raw: note(`"y":0,"length":1,"uuid":"` + noteID + `"`)},
		{name: "missing y", raw: note(`"x":0,"length":1,"uuid":"` + noteID + `"`)},
		{name: "missing length", raw: note(`"x":0,"y":0,"uuid":"` + noteID + `"`)},
		{name: "missing note uuid", raw: note(`"x":0,"y":0,"length":1`)},
		{name: "extra value inside note", raw: note(`"x":0,"y":0,"length":1,"uuid":"` + noteID + `","velocity":3`)},
		{name: "invalid roll uuid", raw: `{"action":"note-create","roll":"` + badUUID + `","note":{"x":0,"y":0,"length":1,"uuid":"` + noteID + `"}}`},
		{name: "missing roll", raw: `{"action":"note-create","note":{"x":0,"y":0,"length":1,"uuid":"` + noteID + `"}}`},
		{name: "note-create extra top-level", raw: `{"action":"note-create","roll":"` + rollID + `","uuid":"` + noteID + `","note":{"x":0,"y":0,"length":1,"uuid":"` + noteID + `"}}`},
		{name: "note-remove without note uuid", raw: `{"action":"note-remove","roll":"` + rollID + `","note":{}}`},
		{name: "note-remove without roll", raw: `{"action":"note-remove","note":{"uuid":"` + noteID + `"}}`},
		{name: "note-remove without roll and note", raw: `{"action":"note-remove"}`},
		{name: "note-remove with note values", raw: `{"action":"note-remove","roll":"` + rollID + `","note":{"uuid":"` + noteID + `","x":1}}`},
		{name: "note-remove with extra values", raw: `{"action":"note-remove","roll":"` + rollID + `","props":{},"note":{"uuid":"` + noteID + `"}}`},
		{name: "note-update without roll", raw: `{"action":"note-update","note":{"uuid":"` + noteID + `"}}`},
		{name: "note-update without note", raw: `{"action":"note-update","roll":"` + rollID + `"}`},
		{name: "note-update without note uuid", raw: `{"action":"note-update","roll":"` + rollID + `","note":{"x":1}}`},
		{name: "note-update unknown note field", raw: `{"action":"note-update","roll":"` + rollID + `","note":{"uuid":"` + noteID + `","z":1}}`},
		{name: "note-update out of range", raw: `{"action":"note-update","roll":"` + rollID + `","note":{"uuid":"` + noteID + `","y":100}}`},
		{name: "instrument-create missing delay", raw: `{"action":"instrument-create","uuid":"` + instID + `","props":{"roll":"` + rollID + `","instrument":"piano","volume":0,"reverb":0}}`},
		{name: "instrument-create unknown name", raw: `{"action":"instrument-create","uuid":"` + instID + `","props":{"roll":"` + rollID + `","instrument":"theremin","volume":0,"reverb":0,"delay":0}}`},
		{name: "instrument-create volume above zero", raw: `{"action":"instrument-create","uuid":"` + instID + `","props":{"roll":"` + rollID + `","instrument":"piano","volume":1,"reverb":0,"delay":0}}`},
		{name: "instrument-create volume below -60", raw: `{"action":"instrument-create","uuid":"` + instID + `","props":{"roll":"` + rollID + `","instrument":"piano","volume":-61,"reverb":0,"delay":0}}`},
		{name: "instrument-create reverb above one", raw: `{"action":"instrument-create","uuid":"` + instID + `","props":{"roll":"` + rollID + `","instrument":"piano","volume":0,"reverb":1.5,"delay":0}}`},
		{name: "instrument-update with roll", raw: `{"action":"instrument-update","uuid":"` + instID + `","props":{"roll":"` + rollID + `"}}`},
		{name: "instrument-update empty props", raw: `{"action":"instrument-update","uuid":"` + instID + `","props":{}}`},
		{name: "instrument-update delay negative", raw: `{"action":"instrument-update","uuid":"` + instID + `","props":{"delay":-0.1}}`},
		{name: "instrument-remove without uuid", raw: `{"action":"instrument-remove"}`},
		{name: "keyboard-play below range", raw: `{"action":"keyboard-play","keyboard-note":20}`},
		{name: "keyboard-stop above range", raw: `{"action":"keyboard-stop","keyboard-note":109}`},
		{name: "keyboard-play extra field", raw: `{"action":"keyboard-play","keyboard-note":60,"roll":"` + rollID + `"}`},
		{name: "session-auth bad id", raw: `{"action":"session-auth","id":"nope","password":"x"}`},
		{name: "session-auth missing password", raw: `{"action":"session-auth","id":"` + sessID + `"}`},
		{name: "session-create password too long", raw: `{"action":"session-create","password":"` + string(make65()) + `"}`},
		{name: "session-create password not a string", raw: `{"action":"session-create","password":1234}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Validate([]byte(tt.raw))
			require.Error(t, err)
			assert.Nil(t, msg)
			if tt.decode {
				assert.ErrorIs(t, err, ErrDecode)
				assert.NotErrorIs(t, err, ErrValidation)
			} else {
				assert.ErrorIs(t, err, ErrValidation)
				assert.NotErrorIs(t, err, ErrDecode)
			}
		})
	}
}

func TestValidatePasswordLengthCountsCharacters(t *testing.T) {
	// 64 two-byte characters are within the limit.
	password := ""
	for i := 0; i < MaxPasswordLength; i++ {
		password += "é"
	}
	msg, err := Validate([]byte(`{"action":"session-create","password":"` + password + `"}`))
	require.NoError(t, err)
	assert.Equal(t, SessionCreate{Password: password}, msg)
}

func TestValidateOversizedMessage(t *testing.T) {
	raw := make([]byte, MaxMessageSize+1)
	_, err := Validate(raw)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestActionClassification(t *testing.T) {
	assert.True(t, ActionNoteCreate.Mutates())
	assert.True(t, ActionInstrumentRemove.Relayed())
	assert.False(t, ActionKeyboardPlay.Mutates())
	assert.True(t, ActionKeyboardStop.Relayed())
	assert.False(t, ActionSessionGet.Relayed())
	assert.False(t, ActionPing.Relayed())
}

func make65() []byte {
	b := make([]byte, MaxPasswordLength+1)
	for i := range b {
		b[i] = 'a'
	}
	return b
}
