// Package chatclient implements the Go client session for the huddle chat
// plane. A Session owns one WebSocket connection to the server gateway,
// performs the hello and join handshake, bootstraps meeting history over the
// REST read API, and surfaces everything that happens as typed events on a
// buffered channel.
//
// The session moves through a small state machine:
//
//	Idle -> Connecting -> Connected -> (Reconnecting <-> Connected) -> Closed
//
// Reconnects retry forever with capped backoff; only Close stops them.
// Messages sent while the transport is down (or before the echo arrives) are
// kept as pending placeholders in the local transcript and reconciled in
// place when the server copy shows up, so the transcript never shows the
// same message twice.
package chatclient
