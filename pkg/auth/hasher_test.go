package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cheap parameters keep the tests fast
var testParams = ScryptParams{N: 1 << 4, R: 8, P: 1}

func TestScryptHasherRoundTrip(t *testing.T) {
	h := NewScryptHasher(testParams)

	cred, err := h.Hash("correct horse")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cred, "scrypt$16$8$1$"))
	assert.NotContains(t, cred, "correct horse")

	assert.True(t, h.Verify("correct horse", cred))
	assert.False(t, h.Verify("correct horse!", cred))
	assert.False(t, h.Verify("", cred))
}

func TestScryptHasherEmptyPassword(t *testing.T) {
	h := NewScryptHasher(testParams)

	cred, err := h.Hash("")
	require.NoError(t, err)
	assert.True(t, h.Verify("", cred))
	assert.False(t, h.Verify("x", cred))
}

func TestScryptHasherSaltsDiffer(t *testing.T) {
	h := NewScryptHasher(testParams)

	a, err := h.Hash("x")
	require.NoError(t, err)
	b, err := h.Hash("x")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestScryptHasherVerifiesOtherParams(t *testing.T) {
	cred, err := NewScryptHasher(ScryptParams{N: 1 << 5, R: 4, P: 1}).Hash("x")
	require.NoError(t, err)

	assert.True(t, NewScryptHasher(testParams).Verify("x", cred))
}

func TestScryptHasherMalformed(t *testing.T) {
	h := NewScryptHasher(testParams)

	for _, cred := range []string{
		"",
		"plaintext",
		"bcrypt$16$8$1$c2FsdA$a2V5",
		"scrypt$x$8$1$c2FsdA$a2V5",
		"scrypt$16$8$1$!!!$a2V5",
		"scrypt$16$8$1$c2FsdA$",
	} {
		assert.False(t, h.Verify("x", cred), cred)
		_, _, _, err := parseCredential(cred)
		assert.ErrorIs(t, err, ErrMalformedCredential, cred)
	}
}
