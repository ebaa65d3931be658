package gateway

import "github.com/Richardson2512/testlattice-backend-sub001/broadcast"

// Codec defines the wire format of one viewer socket. Outbound events
// and inbound frames share the format; it is negotiated once at
// upgrade time via the format query parameter.
type Codec interface {
	// EncodeEvent serializes an outbound event.
	EncodeEvent(evt *broadcast.Event) ([]byte, error)

	// DecodeFrame deserializes an inbound frame.
	DecodeFrame(data []byte) (*Frame, error)

	// Name returns the codec identifier ("json", "msgpack").
	Name() string

	// Binary reports whether payloads ride binary WebSocket messages.
	Binary() bool
}

// Codec names for format negotiation.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Unknown names fall back to JSON so
// an outdated client still gets a readable error channel.
func GetCodec(name string) Codec {
	switch name {
	case CodecNameMsgpack:
		return &MsgpackCodec{}
	default:
		return &JSONCodec{}
	}
}
