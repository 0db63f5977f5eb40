package protocol

import (
	"encoding/json"
)

// Outbound action and message names.
const (
	ReplyPong                 = "pong"
	ReplySessionAuthenticated = "session-authenticated"
	ReplyEditorImport         = "editor-import"
	ReplyAuthenticationFailed = "authentication-failed"
)

type actionReply struct {
	Action string `json:"action"`
}

type sessionCreatedReply struct {
	SessionID string `json:"session-id"`
}

type messageReply struct {
	Message string `json:"message"`
}

// EditorImport is the full-state reply to session-get.
type EditorImport struct {
	Action      string                `json:"action"`
	Instruments map[string]Instrument `json:"instruments"`
	Rolls       map[string]Roll       `json:"rolls"`
}

var (
	pongFrame                 = mustMarshal(actionReply{Action: ReplyPong})
	sessionAuthenticatedFrame = mustMarshal(actionReply{Action: ReplySessionAuthenticated})
	authenticationFailedFrame = mustMarshal(messageReply{Message: ReplyAuthenticationFailed})
)

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Pong returns the reply to ping.
func Pong() []byte { return pongFrame }

// SessionAuthenticated returns the reply to a successful session-auth.
func SessionAuthenticated() []byte { return sessionAuthenticatedFrame }

// AuthenticationFailed returns the reply to a rejected session-auth.
func AuthenticationFailed() []byte { return authenticationFailedFrame }

// SessionCreated returns the reply to session-create.
func SessionCreated(id string) []byte {
	return mustMarshal(sessionCreatedReply{SessionID: id})
}

// EncodeEditorImport encodes the reply to session-get. Nil maps are sent as
// empty objects.
func EncodeEditorImport(instruments map[string]Instrument, rolls map[string]Roll) ([]byte, error) {
	if instruments == nil {
		instruments = map[string]Instrument{}
	}
	if rolls == nil {
		rolls = map[string]Roll{}
	}
	return json.Marshal(EditorImport{
		Action:      ReplyEditorImport,
		Instruments: instruments,
		Rolls:       rolls,
	})
}
