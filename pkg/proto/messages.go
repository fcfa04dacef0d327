package proto

// Feed protocol (JSON over WebSocket) between the client and UI collaborators

type MsgType string

const (
	MsgStats     MsgType = "stats"
	MsgConnected MsgType = "connected"
	MsgCommand   MsgType = "command"
	MsgError     MsgType = "error"
)

// Envelope wraps all feed messages
type Envelope struct {
	Type MsgType     `json:"type"`
	Data interface{} `json:"data"`
}

// StatsEvent is one decoded snapshot pushed to feed subscribers
type StatsEvent struct {
	Endpoint   string      `json:"endpoint"`
	Host       string      `json:"host"`
	Port       int         `json:"port"`
	ReceivedAt int64       `json:"received_at_ms"`
	Stats      SystemStats `json:"stats"`
}

// Connected is the current connectivity set
type Connected struct {
	Endpoints []string `json:"endpoints"`
}

// Command sent by a UI collaborator
type Command struct {
	Action string `json:"action"` // "connect", "disconnect"
	Host   string `json:"host"`
	Port   int    `json:"port"`
	// Secret is optional; when empty the registered record's secret is used.
	Secret string `json:"secret,omitempty"`
}

type ErrorMsg struct {
	Message string `json:"message"`
}
