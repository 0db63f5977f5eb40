// Package auth hashes and verifies session passwords.
//
// Passwords are never stored in clear. A Hasher turns a password into a
// self-describing credential string and later checks a candidate password
// against it:
//
//	h := auth.NewScryptHasher(auth.DefaultScryptParams())
//	cred, err := h.Hash(password)
//	...
//	ok := h.Verify(candidate, cred)
//
// Credentials carry their own scrypt cost parameters, so the defaults can be
// raised without invalidating existing sessions.
package auth
