package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplies(t *testing.T) {
	assert.JSONEq(t, `{"action":"pong"}`, string(Pong()))
	assert.JSONEq(t, `{"action":"session-authenticated"}`, string(SessionAuthenticated()))
	assert.JSONEq(t, `{"message":"authentication-failed"}`, string(AuthenticationFailed()))
	assert.JSONEq(t, `{"session-id":"`+sessID+`"}`, string(SessionCreated(sessID)))
}

func TestEncodeEditorImport(t *testing.T) {
	data, err := EncodeEditorImport(nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"editor-import","instruments":{},"rolls":{}}`, string(data))

	data, err = EncodeEditorImport(
		map[string]Instrument{instID: {Roll: rollID, Name: "sine", Volume: -6, Reverb: 0.5, Delay: 0}},
		map[string]Roll{rollID: {noteID: {X: 1, Y: 2, Length: 3}}},
	)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"action":"editor-import",
		"instruments":{"`+instID+`":{"roll":"`+rollID+`","instrument":"sine","volume":-6,"reverb":0.5,"delay":0}},
		"rolls":{"`+rollID+`":{"`+noteID+`":{"x":1,"y":2,"length":3}}}
	}`, string(data))
}
