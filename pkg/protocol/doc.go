// Package protocol implements the JSON wire protocol of the pianoroll relay.
//
// Every inbound WebSocket frame is a single JSON object discriminated by its
// "action" member. Validate turns a raw frame into one of the Message
// variants, or rejects it:
//
//	msg, err := protocol.Validate(raw)
//	switch {
//	case errors.Is(err, protocol.ErrDecode):
//	    // not a JSON object
//	case errors.Is(err, protocol.ErrValidation):
//	    // schema violation
//	}
//
//	switch m := msg.(type) {
//	case protocol.NoteCreate:
//	    state.ApplyNoteCreate(m.Roll, m.NoteID, m.Note)
//	}
//
// Validation fails closed: unknown actions, unknown members, missing
// required members and out-of-range values are all rejected. Relayed
// messages are forwarded byte-for-byte, so the validated frame itself is what
// peers receive.
//
// # Replies
//
// Replies go to the originating connection only:
//
//	{"action":"pong"}
//	{"action":"session-authenticated"}
//	{"session-id":"<uuid>"}
//	{"message":"authentication-failed"}
//	{"action":"editor-import","instruments":{...},"rolls":{...}}
package protocol
