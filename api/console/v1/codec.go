package consolev1

import (
	"encoding/json"
	"fmt"

	"connectrpc.com/connect"
)

// codecNameJSON is the connect codec name. It selects the
// "application/json" (unary) and "application/connect+json"
// (streaming) content types on the wire.
const codecNameJSON = "json"

// jsonCodec marshals the package's plain Go message types with
// encoding/json. Registering it under the name "json" replaces
// connect's protobuf-backed JSON codec, which cannot handle
// non-protobuf types.
type jsonCodec struct{}

func (jsonCodec) Name() string { return codecNameJSON }

func (jsonCodec) Marshal(message any) ([]byte, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("json codec: marshal %T: %w", message, err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, message any) error {
	if len(data) == 0 {
		// An empty body decodes to the zero value, matching the
		// behaviour of empty request messages.
		return nil
	}
	if err := json.Unmarshal(data, message); err != nil {
		return fmt.Errorf("json codec: unmarshal into %T: %w", message, err)
	}
	return nil
}

// handlerOptions prepends the JSON codec to caller-supplied handler
// options so every service constructed by this package speaks the same
// wire format.
func handlerOptions(opts []connect.HandlerOption) []connect.HandlerOption {
	return append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)
}

// clientOptions mirrors handlerOptions for clients.
func clientOptions(opts []connect.ClientOption) []connect.ClientOption {
	return append([]connect.ClientOption{connect.WithCodec(jsonCodec{})}, opts...)
}
