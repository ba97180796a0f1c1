package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"

	"github.com/grafana/xk6-channel/stack"
)

var (
	_ easyjson.Marshaler   = (*Message)(nil)
	_ easyjson.Unmarshaler = (*Message)(nil)
	_ easyjson.Marshaler   = (*SerializedError)(nil)
	_ easyjson.Unmarshaler = (*SerializedError)(nil)
	_ easyjson.Marshaler   = (*Metadata)(nil)
	_ easyjson.Unmarshaler = (*Metadata)(nil)
)

// objectWriter writes the comma separated fields of a JSON object.
type objectWriter struct {
	w     *jwriter.Writer
	first bool
}

func newObjectWriter(w *jwriter.Writer) *objectWriter {
	w.RawByte('{')
	return &objectWriter{w: w, first: true}
}

func (o *objectWriter) field(name string) {
	if !o.first {
		o.w.RawByte(',')
	}
	o.first = false
	o.w.String(name)
	o.w.RawByte(':')
}

func (o *objectWriter) close() {
	o.w.RawByte('}')
}

// MarshalEasyJSON supports easyjson.Marshaler interface.
func (m *Message) MarshalEasyJSON(w *jwriter.Writer) {
	o := newObjectWriter(w)
	if m.ID != 0 {
		o.field("id")
		w.Int64(m.ID)
	}
	if m.Method != "" || m.ID == 0 {
		o.field("guid")
		w.String(m.GUID)
	}
	if m.Method != "" {
		o.field("method")
		w.String(m.Method)
	}
	if m.Params != nil {
		o.field("params")
		writeValue(w, m.Params)
	}
	if m.Result != nil {
		o.field("result")
		writeValue(w, m.Result)
	}
	if m.Error != nil {
		o.field("error")
		m.Error.MarshalEasyJSON(w)
	}
	if m.Metadata != nil {
		o.field("metadata")
		m.Metadata.MarshalEasyJSON(w)
	}
	o.close()
}

// UnmarshalEasyJSON supports easyjson.Unmarshaler interface.
func (m *Message) UnmarshalEasyJSON(in *jlexer.Lexer) {
	readObjectFields(in, func(key string) {
		switch key {
		case "id":
			m.ID = in.Int64()
		case "guid":
			m.GUID = in.String()
		case "method":
			m.Method = in.String()
		case "params":
			m.Params = readObject(in)
		case "result":
			m.Result = readObject(in)
		case "error":
			m.Error = &SerializedError{}
			m.Error.UnmarshalEasyJSON(in)
		case "metadata":
			m.Metadata = &Metadata{}
			m.Metadata.UnmarshalEasyJSON(in)
		default:
			in.SkipRecursive()
		}
	})
}

// MarshalJSON supports json.Marshaler interface.
func (m *Message) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	m.MarshalEasyJSON(&w)
	return w.Buffer.BuildBytes(), w.Error
}

// UnmarshalJSON supports json.Unmarshaler interface.
func (m *Message) UnmarshalJSON(data []byte) error {
	r := jlexer.Lexer{Data: data}
	m.UnmarshalEasyJSON(&r)
	return r.Error()
}

// MarshalEasyJSON supports easyjson.Marshaler interface.
func (e *SerializedError) MarshalEasyJSON(w *jwriter.Writer) {
	o := newObjectWriter(w)
	o.field("message")
	w.String(e.Message)
	if e.Name != "" {
		o.field("name")
		w.String(e.Name)
	}
	if e.Stack != "" {
		o.field("stack")
		w.String(e.Stack)
	}
	o.close()
}

// UnmarshalEasyJSON supports easyjson.Unmarshaler interface.
func (e *SerializedError) UnmarshalEasyJSON(in *jlexer.Lexer) {
	readObjectFields(in, func(key string) {
		switch key {
		case "message":
			e.Message = in.String()
		case "name":
			e.Name = in.String()
		case "stack":
			e.Stack = in.String()
		default:
			in.SkipRecursive()
		}
	})
}

// MarshalEasyJSON supports easyjson.Marshaler interface.
func (m *Metadata) MarshalEasyJSON(w *jwriter.Writer) {
	o := newObjectWriter(w)
	if m.APIName != "" {
		o.field("apiName")
		w.String(m.APIName)
	}
	if len(m.Stack) > 0 {
		o.field("stack")
		w.RawByte('[')
		for i, f := range m.Stack {
			if i > 0 {
				w.RawByte(',')
			}
			fo := newObjectWriter(w)
			fo.field("file")
			w.String(f.File)
			fo.field("line")
			w.Int(f.Line)
			fo.field("column")
			w.Int(f.Column)
			if f.Function != "" {
				fo.field("function")
				w.String(f.Function)
			}
			fo.close()
		}
		w.RawByte(']')
	}
	if m.Internal {
		o.field("internal")
		w.Bool(true)
	}
	o.close()
}

// UnmarshalEasyJSON supports easyjson.Unmarshaler interface.
func (m *Metadata) UnmarshalEasyJSON(in *jlexer.Lexer) {
	readObjectFields(in, func(key string) {
		switch key {
		case "apiName":
			m.APIName = in.String()
		case "internal":
			m.Internal = in.Bool()
		case "stack":
			in.Delim('[')
			for !in.IsDelim(']') {
				var f stack.Frame
				readObjectFields(in, func(key string) {
					switch key {
					case "file":
						f.File = in.String()
					case "line":
						f.Line = in.Int()
					case "column":
						f.Column = in.Int()
					case "function":
						f.Function = in.String()
					default:
						in.SkipRecursive()
					}
				})
				m.Stack = append(m.Stack, f)
				in.WantComma()
			}
			in.Delim(']')
		default:
			in.SkipRecursive()
		}
	})
}

// readObjectFields walks the fields of a JSON object, skipping nulls, and
// calls fn with the lexer positioned at each value.
func readObjectFields(in *jlexer.Lexer, fn func(key string)) {
	isTopLevel := in.IsStart()
	if in.IsNull() {
		if isTopLevel {
			in.Consumed()
		}
		in.Skip()
		return
	}
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeString()
		in.WantColon()
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		fn(key)
		in.WantComma()
	}
	in.Delim('}')
	if isTopLevel {
		in.Consumed()
	}
}

func readObject(in *jlexer.Lexer) map[string]any {
	v := in.Interface()
	if !in.Ok() {
		return nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		in.AddError(fmt.Errorf("expected an object, got %T", v))
		return nil
	}
	return obj
}

// writeValue writes a generic JSON value. Object keys are sorted so the
// output is stable.
func writeValue(w *jwriter.Writer, v any) {
	switch v := v.(type) {
	case nil:
		w.RawString("null")
	case string:
		w.String(v)
	case bool:
		w.Bool(v)
	case float64:
		writeFloat(w, v)
	case float32:
		writeFloat(w, float64(v))
	case int:
		w.Int(v)
	case int8:
		w.Int8(v)
	case int16:
		w.Int16(v)
	case int32:
		w.Int32(v)
	case int64:
		w.Int64(v)
	case uint:
		w.Uint(v)
	case uint8:
		w.Uint8(v)
	case uint16:
		w.Uint16(v)
	case uint32:
		w.Uint32(v)
	case uint64:
		w.Uint64(v)
	case json.Number:
		w.RawString(v.String())
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		o := newObjectWriter(w)
		for _, k := range keys {
			o.field(k)
			writeValue(w, v[k])
		}
		o.close()
	case []any:
		w.RawByte('[')
		for i, e := range v {
			if i > 0 {
				w.RawByte(',')
			}
			writeValue(w, e)
		}
		w.RawByte(']')
	case easyjson.Marshaler:
		v.MarshalEasyJSON(w)
	default:
		w.Raw(json.Marshal(v))
	}
}

func writeFloat(w *jwriter.Writer, f float64) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		w.Error = fmt.Errorf("unsupported number %v", f)
		return
	}
	w.Float64(f)
}
