// Package codec implements the wire transformation between a task
// invocation (name, positional args, keyword args) and the bytes
// published to a transport. The default codec encodes the
// [name, args, kwargs] triple as a JSON array, per oxalis's external
// interface definition; producer and consumer must share a codec.
package codec

import "encoding/json"

// Codec is the pluggable collaborator used for both produce and
// consume. The runtime holds one instance and uses it on both sides;
// swapping codecs on producer and consumer must be kept in lockstep by
// the operator, there is no version negotiation.
type Codec interface {
	Encode(name string, args []any, kwargs map[string]any) ([]byte, error)
	Decode(payload []byte) (name string, args []any, kwargs map[string]any, err error)
}

// wireMessage is the [name, args, kwargs] triple as it appears on the
// wire: a 3-element JSON array.
type wireMessage struct {
	Name   string
	Args   []any
	Kwargs map[string]any
}

func (m wireMessage) MarshalJSON() ([]byte, error) {
	args := m.Args
	if args == nil {
		args = []any{}
	}
	kwargs := m.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return json.Marshal([3]any{m.Name, args, kwargs})
}

func (m *wireMessage) UnmarshalJSON(data []byte) error {
	var raw [3]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &m.Name); err != nil {
		return err
	}
	var args []any
	if err := json.Unmarshal(raw[1], &args); err != nil {
		return err
	}
	m.Args = args
	var kwargs map[string]any
	if err := json.Unmarshal(raw[2], &kwargs); err != nil {
		return err
	}
	m.Kwargs = kwargs
	return nil
}

// JSON is the default Codec: a textual, UTF-8 structured encoding of
// [name, [arg, ...], {kw: val, ...}].
type JSON struct{}

// Encode implements Codec.
func (JSON) Encode(name string, args []any, kwargs map[string]any) ([]byte, error) {
	return json.Marshal(wireMessage{Name: name, Args: args, Kwargs: kwargs})
}

// Decode implements Codec.
func (JSON) Decode(payload []byte) (string, []any, map[string]any, error) {
	var m wireMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", nil, nil, err
	}
	return m.Name, m.Args, m.Kwargs, nil
}
