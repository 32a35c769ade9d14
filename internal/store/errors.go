package store

import "errors"

// Sentinel errors returned by the store's accessors.
var (
	// ErrAlreadyExists is returned by CreateSession when the session id is taken.
	ErrAlreadyExists = errors.New("store: session already exists")
	// ErrUnknownSession is returned by AppendEvent and UpdateSessionStatus when
	// the session row does not exist.
	ErrUnknownSession = errors.New("store: unknown session")
	// ErrNotFound is returned by GetSession and RemoveLayout.
	ErrNotFound = errors.New("store: not found")
	// ErrPayloadTooLarge is returned by AppendEvent when payload exceeds the
	// configured MaxPayloadBytes.
	ErrPayloadTooLarge = errors.New("store: payload too large")
)
