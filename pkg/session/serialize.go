package session

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/vango-dev/pianoroll/pkg/protocol"
)

// codec is the JSON implementation used for persisted records. ConfigStd
// keeps output byte-compatible with encoding/json.
var codec = sonic.ConfigStd

// NewRecord encodes state into a Record.
func NewRecord(id, password string, state State, createdAt, updatedAt time.Time) (*Record, error) {
	instruments := state.Instruments
	if instruments == nil {
		instruments = map[string]protocol.Instrument{}
	}
	rolls := state.Rolls
	if rolls == nil {
		rolls = map[string]protocol.Roll{}
	}

	inst, err := codec.MarshalToString(instruments)
	if err != nil {
		return nil, fmt.Errorf("encode instruments: %w", err)
	}
	rl, err := codec.MarshalToString(rolls)
	if err != nil {
		return nil, fmt.Errorf("encode rolls: %w", err)
	}

	return &Record{
		ID:          id,
		Password:    password,
		Instruments: inst,
		Rolls:       rl,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}, nil
}

// State decodes the instruments and rolls of r. Empty strings decode to
// empty maps.
func (r *Record) State() (State, error) {
	state := NewState()
	if r.Instruments != "" {
		if err := codec.UnmarshalFromString(r.Instruments, &state.Instruments); err != nil {
			return State{}, fmt.Errorf("decode instruments: %w", err)
		}
	}
	if r.Rolls != "" {
		if err := codec.UnmarshalFromString(r.Rolls, &state.Rolls); err != nil {
			return State{}, fmt.Errorf("decode rolls: %w", err)
		}
	}
	if state.Instruments == nil {
		state.Instruments = map[string]protocol.Instrument{}
	}
	if state.Rolls == nil {
		state.Rolls = map[string]protocol.Roll{}
	}
	for id, roll := range state.Rolls {
		if roll == nil {
			state.Rolls[id] = protocol.Roll{}
		}
	}
	return state, nil
}

// marshalRecord encodes a whole record for key-value backends.
func marshalRecord(rec *Record) ([]byte, error) {
	return codec.Marshal(rec)
}

// unmarshalRecord decodes a record written by marshalRecord.
func unmarshalRecord(data []byte) (*Record, error) {
	var rec Record
	if err := codec.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
