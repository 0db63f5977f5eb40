package protocol

// Action discriminates inbound messages.
type Action string

const (
	ActionPing             Action = "ping"
	ActionSessionCreate    Action = "session-create"
	ActionSessionAuth      Action = "session-auth"
	ActionSessionGet       Action = "session-get"
	ActionNoteCreate       Action = "note-create"
	ActionNoteUpdate       Action = "note-update"
	ActionNoteRemove       Action = "note-remove"
	ActionInstrumentCreate Action = "instrument-create"
	ActionInstrumentUpdate Action = "instrument-update"
	ActionInstrumentRemove Action = "instrument-remove"
	ActionKeyboardPlay     Action = "keyboard-play"
	ActionKeyboardStop     Action = "keyboard-stop"
)

// String returns the wire name of the action.
func (a Action) String() string {
	return string(a)
}

// Mutates reports whether messages of this action change session state.
func (a Action) Mutates() bool {
	switch a {
	case ActionNoteCreate, ActionNoteUpdate, ActionNoteRemove,
		ActionInstrumentCreate, ActionInstrumentUpdate, ActionInstrumentRemove:
		return true
	}
	return false
}

// Relayed reports whether messages of this action are fanned out to the
// other members of the sender's session.
func (a Action) Relayed() bool {
	return a.Mutates() || a == ActionKeyboardPlay || a == ActionKeyboardStop
}

// InstrumentNames is the set of instrument names a client may select.
var InstrumentNames = map[string]struct{}{
	"piano":   {},
	"casio":   {},
	"808":     {},
	"909":     {},
	"cr78":    {},
	"room":    {},
	"synth":   {},
	"pulse":   {},
	"square":  {},
	"sine":    {},
	"amsynth": {},
	"fmsynth": {},
}

// Message is a validated inbound message. The concrete type is one of the
// structs below, one per Action.
type Message interface {
	Action() Action
	isMessage()
}

// Note is a single note inside a roll.
type Note struct {
	X      int64 `json:"x"`
	Y      int64 `json:"y"`
	Length int64 `json:"length"`
}

// Roll maps note ids to notes.
type Roll map[string]Note

// Instrument is the configuration of one sound source. Roll is fixed at
// creation.
type Instrument struct {
	Roll   string  `json:"roll"`
	Name   string  `json:"instrument"`
	Volume float64 `json:"volume"`
	Reverb float64 `json:"reverb"`
	Delay  float64 `json:"delay"`
}

// NotePatch holds the note fields present in a note-update.
type NotePatch struct {
	X      *int64
	Y      *int64
	Length *int64
}

// InstrumentPatch holds the instrument fields present in an instrument-update.
type InstrumentPatch struct {
	Name   *string
	Volume *float64
	Reverb *float64
	Delay  *float64
}

type (
	// Ping asks for a pong.
	Ping struct{}

	// SessionCreate creates a new password-protected session.
	SessionCreate struct {
		Password string
	}

	// SessionAuth joins an existing session.
	SessionAuth struct {
		ID       string
		Password string
	}

	// SessionGet requests the full session snapshot.
	SessionGet struct{}

	NoteCreate struct {
		Roll   string
		NoteID string
		Note   Note
	}

	NoteUpdate struct {
		Roll   string
		NoteID string
		Patch  NotePatch
	}

	NoteRemove struct {
		Roll   string
		NoteID string
	}

	InstrumentCreate struct {
		ID    string
		Props Instrument
	}

	InstrumentUpdate struct {
		ID    string
		Patch InstrumentPatch
	}

	InstrumentRemove struct {
		ID string
	}

	// KeyboardPlay and KeyboardStop are transient performance events. They
	// are relayed but never stored.
	KeyboardPlay struct {
		Key int
	}

	KeyboardStop struct {
		Key int
	}
)

func (Ping) Action() Action             { return ActionPing }
func (SessionCreate) Action() Action    { return ActionSessionCreate }
func (SessionAuth) Action() Action      { return ActionSessionAuth }
func (SessionGet) Action() Action       { return ActionSessionGet }
func (NoteCreate) Action() Action       { return ActionNoteCreate }
func (NoteUpdate) Action() Action       { return ActionNoteUpdate }
func (NoteRemove) Action() Action       { return ActionNoteRemove }
func (InstrumentCreate) Action() Action { return ActionInstrumentCreate }
func (InstrumentUpdate) Action() Action { return ActionInstrumentUpdate }
func (InstrumentRemove) Action() Action { return ActionInstrumentRemove }
func (KeyboardPlay) Action() Action     { return ActionKeyboardPlay }
func (KeyboardStop) Action() Action     { return ActionKeyboardStop }

func (Ping) isMessage()             {}
func (SessionCreate) isMessage()    {}
func (SessionAuth) isMessage()      {}
func (SessionGet) isMessage()       {}
func (NoteCreate) isMessage()       {}
func (NoteUpdate) isMessage()       {}
func (NoteRemove) isMessage()       {}
func (InstrumentCreate) isMessage() {}
func (InstrumentUpdate) isMessage() {}
func (InstrumentRemove) isMessage() {}
func (KeyboardPlay) isMessage()     {}
func (KeyboardStop) isMessage()     {}
