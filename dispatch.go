package oxalis

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/ductile/oxalis/codec"
)

// Dispatch decodes a wire payload and resolves it against the registry.
// It is the transport-agnostic half of spec step "decode -> lookup";
// each transport driver then builds the reflect.Value argument list
// (optionally prepending its own delivery/message context), hands the
// task to a Pool bounded by the task's timeout, and applies its own
// ack/reject or commit disposition around the outcome.
//
// On a *DecodeError or *UnknownTaskError, callers must log at warning
// and apply their transport's "message not consumed" disposition
// (§4.3/§7): AMQP rejects with requeue=true, the log broker commits
// (drops) the record.
func Dispatch(registry *Registry, cdc codec.Codec, payload []byte) (task *Task, args []any, kwargs map[string]any, err error) {
	name, decodedArgs, decodedKwargs, decErr := cdc.Decode(payload)
	if decErr != nil {
		return nil, nil, nil, &DecodeError{Cause: decErr}
	}

	t, ok := registry.Get(name)
	if !ok {
		return nil, nil, nil, &UnknownTaskError{Name: name}
	}

	return t, decodedArgs, decodedKwargs, nil
}

// ConvertArgs converts loosely-typed decoded values (as produced by the
// JSON codec: float64, string, bool, []any, map[string]any, nil) into
// reflect.Values matching the task's Func signature, with transport-
// supplied leading values (e.g. an AMQP delivery) prepended untouched.
//
// kwargs is folded into the callable's trailing parameter when the
// signature has room for it (one more parameter than leading+args
// accounts for): a task wanting keyword-style arguments declares that
// trailing parameter as a map[string]any or a struct, and kwargs is
// converted into it the same way a positional map/struct argument
// would be (§4.3's "hand args+kwargs to the pool", mirroring
// original_source/oxalis/base.py's on_message_receive forwarding
// **task_kwargs into the callable). A task with no such trailing
// parameter rejects non-empty kwargs as a shape mismatch.
func ConvertArgs(task *Task, leading []reflect.Value, args []any, kwargs map[string]any) ([]reflect.Value, error) {
	want := task.NumIn()
	have := len(leading) + len(args)

	takesKwargs := have+1 == want
	if have != want && !takesKwargs {
		return nil, fmt.Errorf("task %q expects %d parameters, got %d", task.Name, want, have)
	}
	if have == want && len(kwargs) > 0 {
		return nil, fmt.Errorf("task %q declares no parameter for keyword arguments, got %d", task.Name, len(kwargs))
	}

	out := make([]reflect.Value, 0, want)
	out = append(out, leading...)

	for i, raw := range args {
		targetType := task.In(len(leading) + i)
		v, err := convertToType(raw, targetType)
		if err != nil {
			return nil, fmt.Errorf("task %q parameter %d: %w", task.Name, i, err)
		}
		out = append(out, v)
	}

	if takesKwargs {
		targetType := task.In(want - 1)
		v, err := convertToType(kwargs, targetType)
		if err != nil {
			return nil, fmt.Errorf("task %q keyword arguments: %w", task.Name, err)
		}
		out = append(out, v)
	}

	return out, nil
}

// convertToType converts a decoded JSON-ish value to the reflect.Type a
// task parameter expects. It mirrors the conversion strategy of a
// reflection-based RPC dispatcher: primitives convert directly, numbers
// widen/narrow by target kind, slices convert element-wise, and
// map-shaped values populate structs via JSON re-marshaling.
func convertToType(value any, targetType reflect.Type) (reflect.Value, error) {
	if value == nil {
		return reflect.Zero(targetType), nil
	}

	valueType := reflect.TypeOf(value)
	if valueType.AssignableTo(targetType) {
		return reflect.ValueOf(value), nil
	}

	switch targetType.Kind() {
	case reflect.String:
		if s, ok := value.(string); ok {
			return reflect.ValueOf(s), nil
		}
		return reflect.ValueOf(fmt.Sprintf("%v", value)), nil

	case reflect.Bool:
		switch v := value.(type) {
		case bool:
			return reflect.ValueOf(v), nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return reflect.Value{}, err
			}
			return reflect.ValueOf(b), nil
		}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch v := value.(type) {
		case float64:
			out := reflect.New(targetType).Elem()
			out.SetInt(int64(v))
			return out, nil
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return reflect.Value{}, err
			}
			out := reflect.New(targetType).Elem()
			out.SetInt(n)
			return out, nil
		}

	case reflect.Float32, reflect.Float64:
		if f, ok := value.(float64); ok {
			out := reflect.New(targetType).Elem()
			out.SetFloat(f)
			return out, nil
		}

	case reflect.Slice:
		src, ok := value.([]any)
		if !ok {
			break
		}
		out := reflect.MakeSlice(targetType, len(src), len(src))
		for i, elem := range src {
			converted, err := convertToType(elem, targetType.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(converted)
		}
		return out, nil

	case reflect.Map, reflect.Struct, reflect.Ptr, reflect.Interface:
		return remarshalInto(value, targetType)
	}

	return reflect.Value{}, fmt.Errorf("cannot convert %v to %v", valueType, targetType)
}
