// Wire frames for the gateway's websocket protocol. The framing is plain
// JSON so it stays transport-agnostic; the websocket layer only moves bytes.

package models

// Client-to-gateway frame types.
const (
	FrameAuth           = "auth"
	FrameSubscribe      = "subscribe"
	FrameUnsubscribe    = "unsubscribe"
	FrameHistoryRequest = "history_request"
	FramePing           = "ping"
)

// Gateway-to-client frame types.
const (
	FrameEvent       = "event"
	FrameHistoryItem = "history_item"
	FrameHistoryDone = "history_done"
	FrameAuthOK      = "auth_ok"
	FrameAuthFailed  = "auth_failed"
	FrameForbidden   = "forbidden"
	FrameNotFound    = "not_found"
	FramePong        = "pong"
)

// ClientFrame is a message sent by a client to the gateway.
type ClientFrame struct {
	Type          string `json:"type"`
	Token         string `json:"token,omitempty"`
	JobID         string `json:"job_id,omitempty"`
	SinceSequence int64  `json:"since_sequence,omitempty"`
}

// ServerFrame is a message sent by the gateway to a client. For "event"
// and "history_item" frames the embedded ProgressEvent is set and its
// fields are flattened into the frame; JobID at the frame level shadows
// the event's job_id so every frame type carries it the same way.
type ServerFrame struct {
	Type  string `json:"type"`
	JobID string `json:"job_id,omitempty"`
	Error string `json:"error,omitempty"`
	*ProgressEvent
}

// EventFrame wraps ev as a live event frame.
func EventFrame(ev *ProgressEvent) ServerFrame {
	return ServerFrame{Type: FrameEvent, JobID: ev.JobID, ProgressEvent: ev}
}

// HistoryItemFrame wraps ev as a replayed history frame.
func HistoryItemFrame(ev *ProgressEvent) ServerFrame {
	return ServerFrame{Type: FrameHistoryItem, JobID: ev.JobID, ProgressEvent: ev}
}
