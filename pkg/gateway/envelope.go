package gateway

// Envelope is one frame sent to a gateway client.
type Envelope struct {
	// Session identifies the stream on the server side.
	Session string         `json:"session"`
	Type    string         `json:"type"`
	Seq     uint64         `json:"seq,omitempty"`
	Item    map[string]any `json:"item,omitempty"`
	Error   *ErrorPayload  `json:"error,omitempty"`
}

// ErrorPayload describes why a stream ended in error.
type ErrorPayload struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// Envelope types.
const (
	TypeItem  = "item"
	TypeEnd   = "end"
	TypeError = "error"
)
