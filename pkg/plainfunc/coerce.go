package plainfunc

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"github.com/spf13/cast"
)

// coerce converts a decoded payload value into a value of type t. Scalars go
// through cast so "5" and 5.0 both satisfy an int parameter; everything else
// is re-decoded from its JSON form.
func coerce(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	if rv := reflect.ValueOf(v); rv.Type().AssignableTo(t) {
		return rv, nil
	}

	if isInteger(t.Kind()) && !integral(v) {
		return reflect.Value{}, fmt.Errorf("%v is not an integer", v)
	}

	var (
		out any
		err error
	)
	switch t.Kind() {
	case reflect.String:
		out, err = cast.ToStringE(v)
	case reflect.Bool:
		out, err = cast.ToBoolE(v)
	case reflect.Int:
		out, err = cast.ToIntE(v)
	case reflect.Int8:
		out, err = cast.ToInt8E(v)
	case reflect.Int16:
		out, err = cast.ToInt16E(v)
	case reflect.Int32:
		out, err = cast.ToInt32E(v)
	case reflect.Int64:
		out, err = cast.ToInt64E(v)
	case reflect.Uint:
		out, err = cast.ToUintE(v)
	case reflect.Uint8:
		out, err = cast.ToUint8E(v)
	case reflect.Uint16:
		out, err = cast.ToUint16E(v)
	case reflect.Uint32:
		out, err = cast.ToUint32E(v)
	case reflect.Uint64:
		out, err = cast.ToUint64E(v)
	case reflect.Float32:
		out, err = cast.ToFloat32E(v)
	case reflect.Float64:
		out, err = cast.ToFloat64E(v)
	default:
		return redecode(v, t)
	}
	if err != nil {
		return reflect.Value{}, err
	}
	// Named scalar types (type Celsius float64) need the final conversion.
	return reflect.ValueOf(out).Convert(t), nil
}

func isInteger(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

// integral reports false for floats with a fractional part, which cast would
// otherwise truncate.
func integral(v any) bool {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	default:
		return true
	}
	return !math.IsInf(f, 0) && f == math.Trunc(f)
}

func redecode(v any, t reflect.Type) (reflect.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("encode %T: %w", v, err)
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("decode into %s: %w", t, err)
	}
	return ptr.Elem(), nil
}
