package tiercache

import "reflect"

// EstimateSize approximates the in-memory footprint of a value for
// diagnostics and eviction heuristics. It is deliberately crude: strings
// count 2 bytes per character, numbers 8, booleans 1, slices and arrays sum
// their elements, maps and structs sum 2x the field-name length plus the
// value size. Pointers and interfaces follow one level of indirection; nil
// and unsupported kinds count 0.
func EstimateSize(v any) int {
	if v == nil {
		return 0
	}
	return sizeOf(reflect.ValueOf(v))
}

func sizeOf(rv reflect.Value) int {
	switch rv.Kind() {
	case reflect.String:
		return 2 * rv.Len()
	case reflect.Bool:
		return 1
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return 8
	case reflect.Slice, reflect.Array:
		total := 0
		for i := 0; i < rv.Len(); i++ {
			total += sizeOf(rv.Index(i))
		}
		return total
	case reflect.Map:
		total := 0
		iter := rv.MapRange()
		for iter.Next() {
			total += keySize(iter.Key()) + sizeOf(iter.Value())
		}
		return total
	case reflect.Struct:
		total := 0
		t := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			total += 2*len(t.Field(i).Name) + sizeOf(rv.Field(i))
		}
		return total
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return 0
		}
		return sizeOf(rv.Elem())
	default:
		return 0
	}
}

// keySize treats string keys by length; any other key kind counts as one
// number.
func keySize(rv reflect.Value) int {
	if rv.Kind() == reflect.String {
		return 2 * rv.Len()
	}
	return 8
}
