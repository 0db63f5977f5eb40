package session

import (
	"sync"
	"time"

	"github.com/vango-dev/pianoroll/pkg/protocol"
)

// State is the editable content of a session: instruments and the rolls
// they own.
type State struct {
	Instruments map[string]protocol.Instrument
	Rolls       map[string]protocol.Roll
}

// NewState returns an empty State.
func NewState() State {
	return State{
		Instruments: make(map[string]protocol.Instrument),
		Rolls:       make(map[string]protocol.Roll),
	}
}

// Clone returns a deep copy of s.
func (s *State) Clone() State {
	out := State{
		Instruments: make(map[string]protocol.Instrument, len(s.Instruments)),
		Rolls:       make(map[string]protocol.Roll, len(s.Rolls)),
	}
	for id, inst := range s.Instruments {
		out.Instruments[id] = inst
	}
	for id, roll := range s.Rolls {
		notes := make(protocol.Roll, len(roll))
		for nid, n := range roll {
			notes[nid] = n
		}
		out.Rolls[id] = notes
	}
	return out
}

// ApplyNoteCreate inserts or overwrites a note, creating the roll if needed.
func (s *State) ApplyNoteCreate(rollID, noteID string, note protocol.Note) {
	roll, ok := s.Rolls[rollID]
	if !ok {
		roll = make(protocol.Roll)
		s.Rolls[rollID] = roll
	}
	roll[noteID] = note
}

// ApplyNoteUpdate merges the present fields of patch into an existing note.
// Unknown rolls or notes are ignored.
func (s *State) ApplyNoteUpdate(rollID, noteID string, patch protocol.NotePatch) {
	roll, ok := s.Rolls[rollID]
	if !ok {
		return
	}
	note, ok := roll[noteID]
	if !ok {
		return
	}
	if patch.X != nil {
		note.X = *patch.X
	}
	if patch.Y != nil {
		note.Y = *patch.Y
	}
	if patch.Length != nil {
		note.Length = *patch.Length
	}
	roll[noteID] = note
}

// ApplyNoteRemove deletes a note if present.
func (s *State) ApplyNoteRemove(rollID, noteID string) {
	if roll, ok := s.Rolls[rollID]; ok {
		delete(roll, noteID)
	}
}

// ApplyInstrumentCreate stores the instrument and gives it a fresh, empty
// roll, replacing whatever was at props.Roll.
func (s *State) ApplyInstrumentCreate(instrumentID string, props protocol.Instrument) {
	s.Instruments[instrumentID] = props
	s.Rolls[props.Roll] = make(protocol.Roll)
}

// ApplyInstrumentUpdate merges the present fields of patch into an existing
// instrument. The roll binding never changes.
func (s *State) ApplyInstrumentUpdate(instrumentID string, patch protocol.InstrumentPatch) {
	inst, ok := s.Instruments[instrumentID]
	if !ok {
		return
	}
	if patch.Name != nil {
		inst.Name = *patch.Name
	}
	if patch.Volume != nil {
		inst.Volume = *patch.Volume
	}
	if patch.Reverb != nil {
		inst.Reverb = *patch.Reverb
	}
	if patch.Delay != nil {
		inst.Delay = *patch.Delay
	}
	s.Instruments[instrumentID] = inst
}

// ApplyInstrumentRemove deletes the instrument together with its roll.
func (s *State) ApplyInstrumentRemove(instrumentID string) {
	inst, ok := s.Instruments[instrumentID]
	if !ok {
		return
	}
	delete(s.Instruments, instrumentID)
	delete(s.Rolls, inst.Roll)
}

// Apply dispatches a validated message to the matching mutation and reports
// whether msg is a state-changing action.
func (s *State) Apply(msg protocol.Message) bool {
	switch m := msg.(type) {
	case protocol.NoteCreate:
		s.ApplyNoteCreate(m.Roll, m.NoteID, m.Note)
	case protocol.NoteUpdate:
		s.ApplyNoteUpdate(m.Roll, m.NoteID, m.Patch)
	case protocol.NoteRemove:
		s.ApplyNoteRemove(m.Roll, m.NoteID)
	case protocol.InstrumentCreate:
		s.ApplyInstrumentCreate(m.ID, m.Props)
	case protocol.InstrumentUpdate:
		s.ApplyInstrumentUpdate(m.ID, m.Patch)
	case protocol.InstrumentRemove:
		s.ApplyInstrumentRemove(m.ID)
	default:
		return false
	}
	return true
}

// Document is a resident session. All access to its State goes through
// Update, View or Snapshot, which serialize on the document's lock.
type Document struct {
	// ID is the session id.
	ID string

	// CreatedAt is when the session was first created.
	CreatedAt time.Time

	credential string

	mu      sync.Mutex
	state   State
	version uint64
	flushed uint64
}

func newDocument(id, credential string, state State, createdAt time.Time) *Document {
	if state.Instruments == nil {
		state.Instruments = make(map[string]protocol.Instrument)
	}
	if state.Rolls == nil {
		state.Rolls = make(map[string]protocol.Roll)
	}
	return &Document{
		ID:         id,
		CreatedAt:  createdAt,
		credential: credential,
		state:      state,
	}
}

// Update runs fn with exclusive access to the state and marks the document
// dirty.
func (d *Document) Update(fn func(*State)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&d.state)
	d.version++
}

// View runs fn with exclusive access to the state without marking the
// document dirty. fn must not mutate the state.
func (d *Document) View(fn func(*State)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&d.state)
}

// Snapshot returns a deep copy of the current state.
func (d *Document) Snapshot() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Clone()
}

// Dirty reports whether the document changed since its last flush.
func (d *Document) Dirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version != d.flushed
}

// flushPoint returns a consistent copy of the state and the version it
// corresponds to.
func (d *Document) flushPoint() (State, uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Clone(), d.version
}

func (d *Document) markFlushed(version uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if version > d.flushed {
		d.flushed = version
	}
}
