package chatclient

import "errors"

var (
	// ErrClosed is returned by operations invoked after Close.
	ErrClosed = errors.New("chatclient: session closed")

	// ErrEmptyMessage is returned by Send when the text is blank.
	ErrEmptyMessage = errors.New("chatclient: empty message")

	// ErrNotConnected is returned by operations that need a live transport
	// while the session is between connections.
	ErrNotConnected = errors.New("chatclient: not connected")
)
