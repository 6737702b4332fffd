package chat

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message text length (runes).
	maxMessageChars = 4000

	// Max emoji length (runes). Generous to allow ZWJ sequences.
	maxEmojiChars = 16
)

const (
	// Heartbeat defaults (can be overridden by env in ws_gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)

// Coordination defaults. Both dedup windows are deployment-tunable; the
// defaults match observed product behavior and are not derived from
// measurement.
const (
	defaultTypingIdleTimeout    = 3 * time.Second
	defaultPresenceDedupWindow  = 10 * time.Second
	defaultSystemMsgDedupWindow = 30 * time.Second
)

const (
	// History read bounds (REST and client bootstrap).
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)
