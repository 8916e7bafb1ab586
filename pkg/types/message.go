package types

// TokenUsage records the producer-reported token accounting for one
// completed generation. Nil on a message until a result event arrives.
type TokenUsage struct {
	Input      int `json:"input"`
	Output     int `json:"output"`
	CacheRead  int `json:"cacheRead,omitempty"`
	CacheWrite int `json:"cacheWrite,omitempty"`
}

// Message is one persisted conversation message.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"`
	Role      string         `json:"role"` // "user" | "assistant"
	Content   MessageContent `json:"content"`
	Tokens    *TokenUsage    `json:"tokens,omitempty"`
	Error     string         `json:"error,omitempty"`
	Created   int64          `json:"created"`   // unix millis
	Completed int64          `json:"completed"` // unix millis, 0 while streaming
}
