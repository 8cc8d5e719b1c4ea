// Package codec defines the pluggable payload encoding contract used by
// the queue core when it turns a producer's payload value into the
// opaque bytes a driver persists, and back.
package codec

import "encoding/json"

// Codec turns an arbitrary payload value into opaque bytes and back.
//
// A codec is a queue-wide setting: all producers and handlers on a given
// Queue must agree on one. The default is JSON.
type Codec interface {
	// Encode marshals v into opaque bytes.
	Encode(v any) ([]byte, error)

	// Decode unmarshals data into v, which must be a pointer.
	Decode(data []byte, v any) error
}

// JSON is the default Codec. It encodes a payload as a JSON value; for
// the common case of a struct or map payload, the wire form is exactly
// what json.Marshal would produce for that payload on its own.
type JSON struct{}

// Encode implements Codec.
func (JSON) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode implements Codec.
func (JSON) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
