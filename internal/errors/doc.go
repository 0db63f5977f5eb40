// Package errors provides the structured error taxonomy of the relay.
//
// Every failure the relay can observe is classified into a category with a
// registered code:
//   - decode: the inbound frame is not a JSON object
//   - validation: the message violates the wire schema
//   - auth: the session credential check failed
//   - unknown-session: an operation referenced an id that is not resident
//   - repository: the durable store is unavailable or returned garbage
//   - config: the process configuration is invalid
//
// # Usage
//
//	err := errors.New("R005").
//	    WithDetail("flush of session " + id + " failed").
//	    Wrap(cause)
//
//	if errors.IsCategory(err, errors.CategoryRepository) {
//	    // retry on the next tick
//	}
package errors
