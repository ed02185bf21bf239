// ABOUTME: Framing for one request/response exchange on a transport connection
// ABOUTME: Length-delimited protobuf wrappers carrying the service name and JSON bodies

package transport

import (
	"encoding/json"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// maxFrameSize bounds a single frame read from the wire.
const maxFrameSize = 16 << 20

var frameReader = protodelim.UnmarshalOptions{MaxSize: maxFrameSize}

// reply is the single object written back for every request.
type reply struct {
	Value json.RawMessage `json:"value,omitempty"`
	Error *RemoteError    `json:"error,omitempty"`
}

func writeRequest(w io.Writer, service string, payload []byte) error {
	if _, err := protodelim.MarshalTo(w, wrapperspb.String(service)); err != nil {
		return fmt.Errorf("writing service name: %w", err)
	}
	if _, err := protodelim.MarshalTo(w, wrapperspb.Bytes(payload)); err != nil {
		return fmt.Errorf("writing payload: %w", err)
	}
	return nil
}

func readRequest(r protodelim.Reader) (string, []byte, error) {
	var name wrapperspb.StringValue
	if err := frameReader.UnmarshalFrom(r, &name); err != nil {
		return "", nil, fmt.Errorf("reading service name: %w", err)
	}
	var body wrapperspb.BytesValue
	if err := frameReader.UnmarshalFrom(r, &body); err != nil {
		return "", nil, fmt.Errorf("reading payload: %w", err)
	}
	return name.GetValue(), body.GetValue(), nil
}

func writeReply(w io.Writer, rep reply) error {
	data, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encoding reply: %w", err)
	}
	if _, err := protodelim.MarshalTo(w, wrapperspb.Bytes(data)); err != nil {
		return fmt.Errorf("writing reply: %w", err)
	}
	return nil
}

func readReply(r protodelim.Reader) (reply, error) {
	var frame wrapperspb.BytesValue
	if err := frameReader.UnmarshalFrom(r, &frame); err != nil {
		return reply{}, fmt.Errorf("reading reply: %w", err)
	}
	var rep reply
	if err := json.Unmarshal(frame.GetValue(), &rep); err != nil {
		return reply{}, fmt.Errorf("decoding reply: %w", err)
	}
	return rep, nil
}
