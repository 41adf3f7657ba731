// Package transport maintains the single logical WebSocket connection to the
// message bus. All chat sessions, the notification router and the call
// signaling engine multiplex through one Conn; nobody owns a socket of their
// own. Wire format: one JSON frame per WebSocket text message.
package transport

import "encoding/json"

// Frame type constants for the bus wire protocol.
const (
	FrameConnect     = "connect"     // client → bus: identify this connection
	FrameConnected   = "connected"   // bus → client: connect accepted
	FrameSubscribe   = "subscribe"   // client → bus: start delivery for a destination
	FrameUnsubscribe = "unsubscribe" // client → bus: stop delivery for a subscription
	FrameSend        = "send"        // client → bus: publish a payload to a destination
	FrameMessage     = "message"     // bus → client: payload delivered on a destination
)

// Frame is the wire type exchanged with the bus.
type Frame struct {
	Type        string          `json:"type"`
	ID          string          `json:"id,omitempty"`          // subscription ID (subscribe/unsubscribe/message)
	Destination string          `json:"destination,omitempty"` // logical queue or topic name
	Body        json.RawMessage `json:"body,omitempty"`
}

// connectBody identifies the user on a connect frame. The bus uses it to
// route /user/... queue destinations back to this connection.
type connectBody struct {
	Identity string `json:"identity"`
}
