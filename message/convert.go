package message

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

// Convert turns an argument or result value into a value of type dst.
//
// Values passed through an in-memory transport keep their Go types and are
// assigned directly. Values that crossed a byte transport arrive as generic JSON
// shapes (float64, map[string]any, []any); numbers are converted and everything
// else is re-decoded through encoding/json into dst.
func Convert(src any, dst reflect.Type) (reflect.Value, error) {
	if src == nil {
		return reflect.Zero(dst), nil
	}
	sv := reflect.ValueOf(src)
	if sv.Type().AssignableTo(dst) {
		return sv, nil
	}
	if isNumber(sv.Kind()) && isNumber(dst.Kind()) {
		return convertNumber(sv, dst)
	}
	raw, err := json.Marshal(src)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("convert %T to %s: %w", src, dst, err)
	}
	out := reflect.New(dst)
	if err := json.Unmarshal(raw, out.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("convert %T to %s: %w", src, dst, err)
	}
	return out.Elem(), nil
}

// As converts v to T using the same rules as Convert.
func As[T any](v any) (T, error) {
	var zero T
	rv, err := Convert(v, reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return zero, err
	}
	if !rv.IsValid() || (rv.Kind() == reflect.Interface && rv.IsNil()) {
		return zero, nil
	}
	return rv.Interface().(T), nil
}

// convertNumber refuses conversions that would change the value: fractions or
// out-of-range values into integers, and negatives into unsigned integers.
func convertNumber(sv reflect.Value, dst reflect.Type) (reflect.Value, error) {
	out := reflect.New(dst).Elem()
	switch {
	case isFloat(sv.Kind()):
		f := sv.Float()
		switch {
		case isFloat(dst.Kind()):
			if out.OverflowFloat(f) {
				return reflect.Value{}, fmt.Errorf("convert %v to %s: out of range", f, dst)
			}
		case isInt(dst.Kind()):
			if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 || out.OverflowInt(int64(f)) {
				return reflect.Value{}, fmt.Errorf("convert %v to %s: not a representable integer", f, dst)
			}
		default:
			if f != math.Trunc(f) || f < 0 || f >= math.MaxUint64 || out.OverflowUint(uint64(f)) {
				return reflect.Value{}, fmt.Errorf("convert %v to %s: not a representable integer", f, dst)
			}
		}
	case isInt(sv.Kind()):
		i := sv.Int()
		switch {
		case isInt(dst.Kind()):
			if out.OverflowInt(i) {
				return reflect.Value{}, fmt.Errorf("convert %d to %s: out of range", i, dst)
			}
		case !isFloat(dst.Kind()):
			if i < 0 || out.OverflowUint(uint64(i)) {
				return reflect.Value{}, fmt.Errorf("convert %d to %s: out of range", i, dst)
			}
		}
	default:
		u := sv.Uint()
		switch {
		case isInt(dst.Kind()):
			if u > math.MaxInt64 || out.OverflowInt(int64(u)) {
				return reflect.Value{}, fmt.Errorf("convert %d to %s: out of range", u, dst)
			}
		case !isFloat(dst.Kind()):
			if out.OverflowUint(u) {
				return reflect.Value{}, fmt.Errorf("convert %d to %s: out of range", u, dst)
			}
		}
	}
	return sv.Convert(dst), nil
}

func isFloat(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}

func isInt(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
