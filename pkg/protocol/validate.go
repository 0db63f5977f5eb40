package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/google/uuid"

	rerrors "github.com/vango-dev/pianoroll/internal/errors"
)

// Wire limits.
const (
	// MaxMessageSize is the largest inbound frame accepted, in bytes.
	MaxMessageSize = 64 * 1024

	// MaxPasswordLength is measured in characters, not bytes.
	MaxPasswordLength = 64

	NoteMinX, NoteMaxX = 0, 63
	NoteMinY, NoteMaxY = 0, 87
	NoteMinLength      = 1
	NoteMaxLength      = 1 << 53

	VolumeMin, VolumeMax = -60.0, 0.0
	ReverbMin, ReverbMax = 0.0, 1.0
	DelayMin, DelayMax   = 0.0, 1.0

	KeyboardMin, KeyboardMax = 21, 108
)

// Sentinels for errors.Is. Every error returned by Validate matches exactly
// one of them.
var (
	ErrDecode     = rerrors.New(rerrors.CodeDecode)
	ErrValidation = rerrors.New(rerrors.CodeValidation)
)

func decodeError(format string, args ...any) error {
	return rerrors.New(rerrors.CodeDecode).WithDetail(fmt.Sprintf(format, args...))
}

func invalid(format string, args ...any) error {
	return rerrors.New(rerrors.CodeValidation).WithDetail(fmt.Sprintf(format, args...))
}

// Validate parses raw as a JSON object and checks it against the rules of its
// action. It has no side effects; anything it cannot prove valid is rejected.
func Validate(raw []byte) (Message, error) {
	if len(raw) > MaxMessageSize {
		return nil, invalid("message of %d bytes exceeds %d", len(raw), MaxMessageSize)
	}

	var fields object
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, decodeError("%v", err)
	}
	if fields == nil {
		return nil, decodeError("message is null")
	}

	action, err := fields.str("action", -1)
	if err != nil {
		return nil, err
	}
	decode, ok := decoders[Action(action)]
	if !ok {
		return nil, invalid("unknown action %q", action)
	}
	return decode(fields)
}

var decoders map[Action]func(object) (Message, error)

func init() {
	decoders = map[Action]func(object) (Message, error){
		ActionPing:             decodePing,
		ActionSessionCreate:    decodeSessionCreate,
		ActionSessionAuth:      decodeSessionAuth,
		ActionSessionGet:       decodeSessionGet,
		ActionNoteCreate:       decodeNoteCreate,
		ActionNoteUpdate:       decodeNoteUpdate,
		ActionNoteRemove:       decodeNoteRemove,
		ActionInstrumentCreate: decodeInstrumentCreate,
		ActionInstrumentUpdate: decodeInstrumentUpdate,
		ActionInstrumentRemove: decodeInstrumentRemove,
		ActionKeyboardPlay:     decodeKeyboardPlay,
		ActionKeyboardStop:     decodeKeyboardStop,
	}
}

func decodePing(o object) (Message, error) {
	if err := o.only("action"); err != nil {
		return nil, err
	}
	return Ping{}, nil
}

func decodeSessionGet(o object) (Message, error) {
	if err := o.only("action"); err != nil {
		return nil, err
	}
	return SessionGet{}, nil
}

func decodeSessionCreate(o object) (Message, error) {
	if err := o.only("action", "password"); err != nil {
		return nil, err
	}
	password, err := o.str("password", MaxPasswordLength)
	if err != nil {
		return nil, err
	}
	return SessionCreate{Password: password}, nil
}

func decodeSessionAuth(o object) (Message, error) {
	if err := o.only("action", "id", "password"); err != nil {
		return nil, err
	}
	id, err := o.uuid("id")
	if err != nil {
		return nil, err
	}
	password, err := o.str("password", MaxPasswordLength)
	if err != nil {
		return nil, err
	}
	return SessionAuth{ID: id, Password: password}, nil
}

func decodeNoteCreate(o object) (Message, error) {
	if err := o.only("action", "roll", "note"); err != nil {
		return nil, err
	}
	roll, err := o.uuid("roll")
	if err != nil {
		return nil, err
	}
	note, err := o.object("note")
	if err != nil {
		return nil, err
	}
	if err := note.only("x", "y", "length", "uuid"); err != nil {
		return nil, err
	}
	id, err := note.uuid("uuid")
	if err != nil {
		return nil, err
	}
	x, err := note.integer("x", NoteMinX, NoteMaxX)
	if err != nil {
		return nil, err
	}
	y, err := note.integer("y", NoteMinY, NoteMaxY)
	if err != nil {
		return nil, err
	}
	length, err := note.integer("length", NoteMinLength, NoteMaxLength)
	if err != nil {
		return nil, err
	}
	return NoteCreate{Roll: roll, NoteID: id, Note: Note{X: x, Y: y, Length: length}}, nil
}

func decodeNoteUpdate(o object) (Message, error) {
	if err := o.only("action", "roll", "note"); err != nil {
		return nil, err
	}
	roll, err := o.uuid("roll")
	if err != nil {
		return nil, err
	}
	note, err := o.object("note")
	if err != nil {
		return nil, err
	}
	if err := note.only("x", "y", "length", "uuid"); err != nil {
		return nil, err
	}
	id, err := note.uuid("uuid")
	if err != nil {
		return nil, err
	}

	var patch NotePatch
	if patch.X, err = note.optionalInteger("x", NoteMinX, NoteMaxX); err != nil {
		return nil, err
	}
	if patch.Y, err = note.optionalInteger("y", NoteMinY, NoteMaxY); err != nil {
		return nil, err
	}
	if patch.Length, err = note.optionalInteger("length", NoteMinLength, NoteMaxLength); err != nil {
		return nil, err
	}
	return NoteUpdate{Roll: roll, NoteID: id, Patch: patch}, nil
}

func decodeNoteRemove(o object) (Message, error) {
	if err := o.only("action", "roll", "note"); err != nil {
		return nil, err
	}
	roll, err := o.uuid("roll")
	if err != nil {
		return nil, err
	}
	note, err := o.object("note")
	if err != nil {
		return nil, err
	}
	if err := note.only("uuid"); err != nil {
		return nil, err
	}
	id, err := note.uuid("uuid")
	if err != nil {
		return nil, err
	}
	return NoteRemove{Roll: roll, NoteID: id}, nil
}

func decodeInstrumentCreate(o object) (Message, error) {
	if err := o.only("action", "uuid", "props"); err != nil {
		return nil, err
	}
	id, err := o.uuid("uuid")
	if err != nil {
		return nil, err
	}
	props, err := o.object("props")
	if err != nil {
		return nil, err
	}
	if err := props.only("roll", "instrument", "volume", "reverb", "delay"); err != nil {
		return nil, err
	}

	var inst Instrument
	if inst.Roll, err = props.uuid("roll"); err != nil {
		return nil, err
	}
	if inst.Name, err = props.instrumentName("instrument"); err != nil {
		return nil, err
	}
	if inst.Volume, err = props.number("volume", VolumeMin, VolumeMax); err != nil {
		return nil, err
	}
	if inst.Reverb, err = props.number("reverb", ReverbMin, ReverbMax); err != nil {
		return nil, err
	}
	if inst.Delay, err = props.number("delay", DelayMin, DelayMax); err != nil {
		return nil, err
	}
	return InstrumentCreate{ID: id, Props: inst}, nil
}

func decodeInstrumentUpdate(o object) (Message, error) {
	if err := o.only("action", "uuid", "props"); err != nil {
		return nil, err
	}
	id, err := o.uuid("uuid")
	if err != nil {
		return nil, err
	}
	props, err := o.object("props")
	if err != nil {
		return nil, err
	}
	if props.has("roll") {
		return nil, invalid("props.roll cannot be changed after creation")
	}
	if err := props.only("instrument", "volume", "reverb", "delay"); err != nil {
		return nil, err
	}
	if len(props) == 0 {
		return nil, invalid("props must not be empty")
	}

	var patch InstrumentPatch
	if props.has("instrument") {
		name, err := props.instrumentName("instrument")
		if err != nil {
			return nil, err
		}
		patch.Name = &name
	}
	if patch.Volume, err = props.optionalNumber("volume", VolumeMin, VolumeMax); err != nil {
		return nil, err
	}
	if patch.Reverb, err = props.optionalNumber("reverb", ReverbMin, ReverbMax); err != nil {
		return nil, err
	}
	if patch.Delay, err = props.optionalNumber("delay", DelayMin, DelayMax); err != nil {
		return nil, err
	}
	return InstrumentUpdate{ID: id, Patch: patch}, nil
}

func decodeInstrumentRemove(o object) (Message, error) {
	if err := o.only("action", "uuid"); err != nil {
		return nil, err
	}
	id, err := o.uuid("uuid")
	if err != nil {
		return nil, err
	}
	return InstrumentRemove{ID: id}, nil
}

func decodeKeyboardPlay(o object) (Message, error) {
	key, err := decodeKeyboardNote(o)
	if err != nil {
		return nil, err
	}
	return KeyboardPlay{Key: key}, nil
}

func decodeKeyboardStop(o object) (Message, error) {
	key, err := decodeKeyboardNote(o)
	if err != nil {
		return nil, err
	}
	return KeyboardStop{Key: key}, nil
}

func decodeKeyboardNote(o object) (int, error) {
	if err := o.only("action", "keyboard-note"); err != nil {
		return 0, err
	}
	n, err := o.integer("keyboard-note", KeyboardMin, KeyboardMax)
	return int(n), err
}

// object is a JSON object whose members are decoded lazily.
type object map[string]json.RawMessage

func (o object) has(key string) bool {
	_, ok := o[key]
	return ok
}

// only rejects members not named in keys.
func (o object) only(keys ...string) error {
	for k := range o {
		allowed := false
		for _, key := range keys {
			if k == key {
				allowed = true
				break
			}
		}
		if !allowed {
			return invalid("unexpected field %q", k)
		}
	}
	return nil
}

func (o object) raw(key string) (json.RawMessage, error) {
	v, ok := o[key]
	if !ok {
		return nil, invalid("missing field %q", key)
	}
	if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		return nil, invalid("field %q is null", key)
	}
	return v, nil
}

// str decodes a string member. maxLen < 0 disables the length check.
func (o object) str(key string, maxLen int) (string, error) {
	v, err := o.raw(key)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", invalid("field %q must be a string", key)
	}
	if maxLen >= 0 && utf8.RuneCountInString(s) > maxLen {
		return "", invalid("field %q longer than %d characters", key, maxLen)
	}
	return s, nil
}

func (o object) uuid(key string) (string, error) {
	s, err := o.str(key, -1)
	if err != nil {
		return "", err
	}
	if !IsUUID(s) {
		return "", invalid("field %q must be a uuid", key)
	}
	return s, nil
}

func (o object) instrumentName(key string) (string, error) {
	s, err := o.str(key, -1)
	if err != nil {
		return "", err
	}
	if _, ok := InstrumentNames[s]; !ok {
		return "", invalid("unknown instrument %q", s)
	}
	return s, nil
}

func (o object) number(key string, min, max float64) (float64, error) {
	v, err := o.raw(key)
	if err != nil {
		return 0, err
	}
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		return 0, invalid("field %q must be a number", key)
	}
	if f < min || f > max {
		return 0, invalid("field %q = %v outside [%v, %v]", key, f, min, max)
	}
	return f, nil
}

// integer reads a whole number. Bounds up to 2^53 are exact since JSON
// numbers are decoded as float64.
func (o object) integer(key string, min, max int64) (int64, error) {
	f, err := o.number(key, float64(min), float64(max))
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, invalid("field %q must be an integer", key)
	}
	return int64(f), nil
}

func (o object) optionalInteger(key string, min, max int64) (*int64, error) {
	if !o.has(key) {
		return nil, nil
	}
	n, err := o.integer(key, min, max)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (o object) optionalNumber(key string, min, max float64) (*float64, error) {
	if !o.has(key) {
		return nil, nil
	}
	f, err := o.number(key, min, max)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (o object) object(key string) (object, error) {
	v, err := o.raw(key)
	if err != nil {
		return nil, err
	}
	var nested object
	if err := json.Unmarshal(v, &nested); err != nil {
		return nil, invalid("field %q must be an object", key)
	}
	return nested, nil
}

// IsUUID reports whether s is a UUID in canonical 8-4-4-4-12 form.
func IsUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
