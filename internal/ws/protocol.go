package ws

type MessageType string

const (
	// MsgStatus is a single session's status line, pushed every
	// broadcast tick while the session has something to report.
	MsgStatus MessageType = "status"
	// MsgSnapshot is the set of current statuses, sent once to a client
	// on connect.
	MsgSnapshot MessageType = "snapshot"
	MsgError    MessageType = "error"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

type StatusPayload struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

type SnapshotPayload struct {
	Statuses []StatusPayload `json:"statuses"`
}
