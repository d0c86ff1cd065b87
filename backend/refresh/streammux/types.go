package streammux

import "github.com/luxury-yacht/dashboard/backend/refresh"

// MessageType represents the message type used for client requests and server frames.
type MessageType string

const (
	// client requests
	MessageTypeSubscribe  MessageType = "subscribe"
	MessageTypeContext    MessageType = "context"
	MessageTypeLogsFollow MessageType = "logs.follow"
	MessageTypeLogsFetch  MessageType = "logs.fetch"
	MessageTypeLogsStop   MessageType = "logs.stop"
	MessageTypePing       MessageType = "ping"

	// event types carried on singular resource frames
	MessageTypeAdded    MessageType = MessageType(refresh.EventAdded)
	MessageTypeModified MessageType = MessageType(refresh.EventModified)
	MessageTypeDeleted  MessageType = MessageType(refresh.EventDeleted)
)

// Frame kinds that are not resource domains. FrameError is terminal; FrameRequestError
// rejects one client request and leaves the session open.
const (
	FrameStatus       = "status"
	FrameReset        = "reset"
	FrameError        = "error"
	FrameRequestError = "requestError"
	FrameHeartbeat    = "heartbeat"
	FrameLog          = "log"
	FramePong         = "pong"
)

// SessionState is the lifecycle position of one websocket session.
type SessionState string

const (
	StateConnecting SessionState = "connecting"
	StateActive     SessionState = "active"
	StateDraining   SessionState = "draining"
	StateClosed     SessionState = "closed"
)

// LogPayload is the data of a log frame.
type LogPayload struct {
	Mode    string `json:"mode"`
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`
}

// DropReason captures why a subscription was terminated.
type DropReason string

const (
	DropReasonBackpressure DropReason = "backpressure"
	DropReasonClosed       DropReason = "closed"
	DropReasonContext      DropReason = "context"
)

// ClientMessage is the request envelope sent from websocket clients.
type ClientMessage struct {
	Type       MessageType `json:"type"`
	Namespace  string      `json:"namespace,omitempty"`
	Kinds      []string    `json:"kinds,omitempty"`
	Context    string      `json:"context,omitempty"`
	ID         string      `json:"id,omitempty"`
	Pod        string      `json:"pod,omitempty"`
	Container  string      `json:"container,omitempty"`
	Previous   bool        `json:"previous,omitempty"`
	Timestamps bool        `json:"timestamps,omitempty"`
	TailLines  *int64      `json:"tailLines,omitempty"`
}

// ServerMessage is the frame sent back to websocket clients. Plural kinds carry a
// snapshot burst, singular kinds carry one incremental event.
type ServerMessage struct {
	Kind      string               `json:"kind"`
	Type      MessageType          `json:"type,omitempty"`
	Sequence  uint64               `json:"sequence,omitempty"`
	Namespace string               `json:"namespace,omitempty"`
	Context   string               `json:"context,omitempty"`
	Synthetic bool                 `json:"synthetic,omitempty"`
	ID        string               `json:"id,omitempty"`
	Data      interface{}          `json:"data,omitempty"`
	Error     *refresh.ErrorStatus `json:"error,omitempty"`
}

// Update is one item delivered on a Subscription. Exactly one of Event, Status or
// Payload is set.
type Update struct {
	Domain   string
	Scope    string
	Sequence uint64
	Event    *refresh.ResourceEvent
	Status   *refresh.DomainStatus
	Payload  interface{}
}

// Subscription captures an active stream subscription.
type Subscription struct {
	Domain string
	Scope  string
	// Burst is the snapshot taken atomically with registration, numbered 1..len(Burst).
	Burst []refresh.ResourceEvent
	// Payload is the latest value for non-resource domains (metrics, summary).
	Payload  interface{}
	Sequence uint64
	Status   *refresh.DomainStatus
	Updates  <-chan Update
	Drops    <-chan DropReason
	Cancel   func()
}
