// Package proto defines the control-channel event vocabulary shared by the
// doorway server and the tunnel client.
package proto

import "encoding/json"

// ControlPath is the URL prefix on the shared public port where tunnel
// clients complete their control-channel websocket handshake.
const ControlPath = "/_doorway"

// Event names carried on the control channel.
const (
	// EventCreateTunnel is sent by a client to claim a public name.
	// Payload: the requested name as a JSON string.
	EventCreateTunnel = "createTunnel"

	// EventIncomingClient is sent by the server when a public request
	// arrives for a claimed name. Payload: the request ticket (UUID v4
	// text) as a JSON string. The client answers by opening a stream
	// tagged with exactly that ticket.
	EventIncomingClient = "incomingClient"
)

// Envelope is the JSON body of an event frame.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StringPayload decodes the payload as a bare JSON string, the form used by
// both createTunnel and incomingClient.
func (e *Envelope) StringPayload() (string, error) {
	var s string
	err := json.Unmarshal(e.Payload, &s)
	return s, err
}
