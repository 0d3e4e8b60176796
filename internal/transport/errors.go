package transport

import "errors"

var (
	// ErrTimeout is returned by Wait when no packet arrives in time.
	ErrTimeout = errors.New("timed out waiting for response")

	// ErrConnectTimeout is returned by Start when the dial does not complete
	// within the connect timeout.
	ErrConnectTimeout = errors.New("connect timed out")

	// ErrIncompatibleVersion is returned when the remote side reports that our
	// protocol version is not acceptable.
	ErrIncompatibleVersion = errors.New("incompatible protocol version")

	// ErrUnexpectedResponse is returned by Wait when the next packet carries a
	// code the caller did not ask for.
	ErrUnexpectedResponse = errors.New("unexpected response")

	// ErrBadResponse is returned when a response has the expected code but its
	// fields cannot be interpreted.
	ErrBadResponse = errors.New("malformed response")

	// ErrClosed is returned when sending on or waiting for a closed connection.
	ErrClosed = errors.New("connection closed")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("connection already started")
)
