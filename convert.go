package oxalis

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// remarshalInto handles struct/map/pointer/interface target types by
// round-tripping the decoded value through JSON, which is exact for the
// JSON-shaped values the codec produces (map[string]any, []any,
// primitives) without hand-rolling a second conversion table.
func remarshalInto(value any, targetType reflect.Type) (reflect.Value, error) {
	if targetType.Kind() == reflect.Interface {
		v := reflect.ValueOf(value)
		if v.Type().AssignableTo(targetType) {
			return v, nil
		}
		return reflect.Value{}, fmt.Errorf("cannot assign %T to %v", value, targetType)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return reflect.Value{}, err
	}

	out := reflect.New(targetType)
	if err := json.Unmarshal(data, out.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return out.Elem(), nil
}
