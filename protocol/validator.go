package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

// BinaryMode tells TBinary which way binary data is converted.
type BinaryMode int

const (
	// BinaryToBase64 converts []byte to a base64 string (outgoing).
	BinaryToBase64 BinaryMode = iota
	// BinaryFromBase64 converts a base64 string to []byte (incoming).
	BinaryFromBase64
)

// ChannelImpl converts a channel reference in one direction: a live object
// to its {guid} form when sending, and a {guid} form to a live object when
// receiving. types lists the accepted object types; empty means any type.
type ChannelImpl func(types []string, arg any, path string, vc *ValidatorContext) (any, error)

// ValidatorContext carries the side specific parts of validation.
type ValidatorContext struct {
	ChannelImpl ChannelImpl
	Binary      BinaryMode
}

// Validator checks arg and returns its converted form. path locates arg in
// the payload for error messages.
type Validator func(arg any, path string, vc *ValidatorContext) (any, error)

// ValidationError reports a payload that doesn't match its schema.
type ValidationError struct {
	Path   string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Reason
	}
	return e.Path + ": " + e.Reason
}

// Name returns the wire name of the error.
func (e *ValidationError) Name() string {
	return ErrorNameValidation
}

// NewValidationError returns a ValidationError with a formatted reason.
func NewValidationError(path, format string, args ...any) *ValidationError {
	return &ValidationError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

func describe(arg any) string {
	if arg == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", arg)
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// TAny accepts any value as is.
func TAny(arg any, _ string, _ *ValidatorContext) (any, error) {
	return arg, nil
}

// TString accepts strings.
func TString(arg any, path string, _ *ValidatorContext) (any, error) {
	if s, ok := arg.(string); ok {
		return s, nil
	}
	return nil, NewValidationError(path, "expected string, got %s", describe(arg))
}

// TBoolean accepts booleans.
func TBoolean(arg any, path string, _ *ValidatorContext) (any, error) {
	if b, ok := arg.(bool); ok {
		return b, nil
	}
	return nil, NewValidationError(path, "expected boolean, got %s", describe(arg))
}

// TNumber accepts finite numbers of any Go numeric type.
func TNumber(arg any, path string, _ *ValidatorContext) (any, error) {
	switch v := arg.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, NewValidationError(path, "expected finite number, got %v", v)
		}
		return v, nil
	case float32:
		return TNumber(float64(v), path, nil)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return v, nil
	case json.Number:
		if _, err := v.Float64(); err != nil {
			return nil, NewValidationError(path, "expected number, got %q", v.String())
		}
		return v, nil
	}
	return nil, NewValidationError(path, "expected number, got %s", describe(arg))
}

// TBinary converts binary data according to the context's BinaryMode.
func TBinary(arg any, path string, vc *ValidatorContext) (any, error) {
	mode := BinaryToBase64
	if vc != nil {
		mode = vc.Binary
	}
	switch mode {
	case BinaryFromBase64:
		s, ok := arg.(string)
		if !ok {
			return nil, NewValidationError(path, "expected base64 string, got %s", describe(arg))
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, NewValidationError(path, "expected base64 string: %v", err)
		}
		return b, nil
	default:
		b, ok := arg.([]byte)
		if !ok {
			return nil, NewValidationError(path, "expected binary, got %s", describe(arg))
		}
		return base64.StdEncoding.EncodeToString(b), nil
	}
}

// TOptional accepts nil or whatever v accepts.
func TOptional(v Validator) Validator {
	return func(arg any, path string, vc *ValidatorContext) (any, error) {
		if arg == nil {
			return nil, nil
		}
		return v(arg, path, vc)
	}
}

// TArray accepts slices and arrays whose elements pass v.
func TArray(v Validator) Validator {
	return func(arg any, path string, vc *ValidatorContext) (any, error) {
		var elems []any
		switch a := arg.(type) {
		case []any:
			elems = a
		case nil:
			return nil, NewValidationError(path, "expected array, got nil")
		default:
			rv := reflect.ValueOf(arg)
			if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
				return nil, NewValidationError(path, "expected array, got %s", describe(arg))
			}
			elems = make([]any, rv.Len())
			for i := range elems {
				elems[i] = rv.Index(i).Interface()
			}
		}

		out := make([]any, len(elems))
		for i, e := range elems {
			r, err := v(e, fmt.Sprintf("%s[%d]", path, i), vc)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
}

// TObject accepts objects with exactly the given fields. Fields whose
// validator returns nil are left out of the result. Unknown fields fail.
func TObject(fields map[string]Validator) Validator {
	return func(arg any, path string, vc *ValidatorContext) (any, error) {
		obj, err := asObject(arg, path)
		if err != nil {
			return nil, err
		}

		var unknown []string
		for k := range obj {
			if _, ok := fields[k]; !ok {
				unknown = append(unknown, k)
			}
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			return nil, NewValidationError(path, "unexpected properties %s", strings.Join(unknown, ", "))
		}

		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := make(map[string]any, len(fields))
		for _, k := range keys {
			r, err := fields[k](obj[k], joinPath(path, k), vc)
			if err != nil {
				return nil, err
			}
			if r != nil {
				out[k] = r
			}
		}
		return out, nil
	}
}

// tEmpty stands in for unregistered params and results: nothing or an empty object.
func tEmpty(arg any, path string, _ *ValidatorContext) (any, error) {
	if arg == nil {
		return map[string]any{}, nil
	}
	obj, err := asObject(arg, path)
	if err != nil {
		return nil, err
	}
	if len(obj) > 0 {
		return nil, NewValidationError(path, "expected no properties, got %d", len(obj))
	}
	return map[string]any{}, nil
}

func asObject(arg any, path string) (map[string]any, error) {
	switch o := arg.(type) {
	case map[string]any:
		return o, nil
	case nil:
		return nil, NewValidationError(path, "expected object, got nil")
	}
	rv := reflect.ValueOf(arg)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, NewValidationError(path, "expected object, got %s", describe(arg))
	}
	obj := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		obj[iter.Key().String()] = iter.Value().Interface()
	}
	return obj, nil
}

// TEnum accepts one of the given strings.
func TEnum(values ...string) Validator {
	return func(arg any, path string, _ *ValidatorContext) (any, error) {
		s, ok := arg.(string)
		if !ok {
			return nil, NewValidationError(path, "expected string, got %s", describe(arg))
		}
		for _, v := range values {
			if s == v {
				return s, nil
			}
		}
		return nil, NewValidationError(path, "expected one of (%s), got %q", strings.Join(values, "|"), s)
	}
}

// TChannel accepts a reference to an object of one of the given types. The
// conversion itself is done by the context's ChannelImpl.
func TChannel(types ...string) Validator {
	return func(arg any, path string, vc *ValidatorContext) (any, error) {
		if vc == nil || vc.ChannelImpl == nil {
			return nil, NewValidationError(path, "channel references are not supported here")
		}
		return vc.ChannelImpl(types, arg, path, vc)
	}
}

// TType refers to a validator registered in s with Define. The lookup
// happens on use, so types may refer to each other.
func TType(s *Schema, name string) Validator {
	return func(arg any, path string, vc *ValidatorContext) (any, error) {
		v, ok := s.named(name)
		if !ok {
			return nil, NewValidationError(path, "unknown type %q", name)
		}
		return v(arg, path, vc)
	}
}

// GUIDOf extracts the guid of a {guid} reference as it appears on the wire.
func GUIDOf(arg any) (string, bool) {
	obj, ok := arg.(map[string]any)
	if !ok || len(obj) != 1 {
		return "", false
	}
	guid, ok := obj["guid"].(string)
	return guid, ok
}
