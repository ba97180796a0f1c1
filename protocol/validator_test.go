package protocol

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrimitives(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		v       Validator
		arg     any
		want    any
		wantErr string
	}{
		{"string", TString, "a", "a", ""},
		{"string rejects number", TString, 1.0, nil, "expected string, got float64"},
		{"string rejects nil", TString, nil, nil, "expected string, got nil"},
		{"boolean", TBoolean, false, false, ""},
		{"boolean rejects string", TBoolean, "true", nil, "expected boolean, got string"},
		{"number float", TNumber, 1.5, 1.5, ""},
		{"number int", TNumber, 3, 3, ""},
		{"number json", TNumber, json.Number("12"), json.Number("12"), ""},
		{"number rejects NaN", TNumber, math.NaN(), nil, "expected finite number"},
		{"number rejects string", TNumber, "1", nil, "expected number, got string"},
		{"any", TAny, []any{1}, []any{1}, ""},
		{"optional nil", TOptional(TString), nil, nil, ""},
		{"optional value", TOptional(TString), "x", "x", ""},
		{"optional wrong", TOptional(TString), 1, nil, "expected string, got int"},
		{"enum", TEnum("load", "domcontentloaded"), "load", "load", ""},
		{"enum rejects", TEnum("load", "domcontentloaded"), "idle", nil, `expected one of (load|domcontentloaded), got "idle"`},
		{"array", TArray(TNumber), []any{1.0, 2.0}, []any{1.0, 2.0}, ""},
		{"array typed slice", TArray(TString), []string{"a", "b"}, []any{"a", "b"}, ""},
		{"array element", TArray(TNumber), []any{1.0, "x"}, nil, "p[1]: expected number"},
		{"array rejects object", TArray(TNumber), map[string]any{}, nil, "expected array"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := tt.v(tt.arg, "p", nil)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				var ve *ValidationError
				assert.True(t, errors.As(err, &ve))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBinary(t *testing.T) {
	t.Parallel()

	out, err := TBinary([]byte("hello"), "body", &ValidatorContext{Binary: BinaryToBase64})
	require.NoError(t, err)
	assert.Equal(t, "aGVsbG8=", out)

	in, err := TBinary("aGVsbG8=", "body", &ValidatorContext{Binary: BinaryFromBase64})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), in)

	_, err = TBinary("%%%", "body", &ValidatorContext{Binary: BinaryFromBase64})
	require.Error(t, err)
	_, err = TBinary("text", "body", nil)
	require.Error(t, err)
}

func TestObject(t *testing.T) {
	t.Parallel()

	v := TObject(map[string]Validator{
		"url":     TString,
		"timeout": TOptional(TNumber),
	})

	got, err := v(map[string]any{"url": "/", "timeout": nil}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"url": "/"}, got, "nil results are left out")

	got, err = v(map[string]string{"url": "/"}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"url": "/"}, got)

	_, err = v(map[string]any{}, "params", nil)
	require.EqualError(t, err, "params.url: expected string, got nil")

	_, err = v(map[string]any{"url": "/", "zz": 1, "aa": 2}, "params", nil)
	require.EqualError(t, err, "params: unexpected properties aa, zz")

	_, err = v("str", "params", nil)
	require.EqualError(t, err, "params: expected object, got string")
}

func TestChannel(t *testing.T) {
	t.Parallel()

	_, err := TChannel("Page")(map[string]any{"guid": "page@1"}, "page", nil)
	require.Error(t, err)

	var seen []string
	vc := &ValidatorContext{
		ChannelImpl: func(types []string, arg any, path string, _ *ValidatorContext) (any, error) {
			seen = types
			guid, ok := GUIDOf(arg)
			if !ok {
				return nil, NewValidationError(path, "expected channel")
			}
			return "object:" + guid, nil
		},
	}
	got, err := TChannel("Page", "Frame")(map[string]any{"guid": "page@1"}, "page", vc)
	require.NoError(t, err)
	assert.Equal(t, "object:page@1", got)
	assert.Equal(t, []string{"Page", "Frame"}, seen)

	_, err = TChannel()(map[string]any{"guid": "page@1", "x": 1}, "page", vc)
	require.EqualError(t, err, "page: expected channel")
}

func TestGUIDOf(t *testing.T) {
	t.Parallel()

	guid, ok := GUIDOf(map[string]any{"guid": "a@1"})
	assert.True(t, ok)
	assert.Equal(t, "a@1", guid)

	_, ok = GUIDOf(map[string]any{"guid": 1})
	assert.False(t, ok)
	_, ok = GUIDOf("a@1")
	assert.False(t, ok)
}

func TestSchema(t *testing.T) {
	t.Parallel()

	s := NewSchema()
	s.Define("Point", TObject(map[string]Validator{"x": TNumber, "y": TNumber})).
		Define("Tree", TObject(map[string]Validator{
			"value":    TString,
			"children": TOptional(TArray(s.Ref("Tree"))),
		})).
		Method("Page", "click", TObject(map[string]Validator{"at": s.Ref("Point")}), nil).
		Method("Page", "title", nil, TObject(map[string]Validator{"value": TString})).
		Method("Page", "reload", TObject(map[string]Validator{"timeout": TOptional(TNumber)}), nil).
		Event("Page", "load", nil).
		Initializer("Page", TObject(map[string]Validator{"url": TString}))

	assert.True(t, s.HasMethod("Page", "click"))
	assert.False(t, s.HasMethod("Page", "fly"))

	params, err := s.ValidateParams("Page", "click", map[string]any{"at": map[string]any{"x": 1.0, "y": 2.0}}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"at": map[string]any{"x": 1.0, "y": 2.0}}, params)

	_, err = s.ValidateParams("Page", "click", map[string]any{"at": map[string]any{"x": 1.0}}, nil)
	require.EqualError(t, err, "at.y: expected number, got nil")

	params, err = s.ValidateParams("Page", "title", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, params)

	_, err = s.ValidateParams("Page", "title", map[string]any{"x": 1}, nil)
	require.Error(t, err)

	params, err = s.ValidateParams("Page", "reload", nil, nil)
	require.NoError(t, err, "no params means an empty object")
	assert.Equal(t, map[string]any{}, params)

	result, err := s.ValidateResult("Page", "title", map[string]any{"value": "Home"}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": "Home"}, result)

	_, err = s.ValidateEvent("Page", "load", map[string]any{}, nil)
	require.NoError(t, err)

	initializer, err := s.ValidateInitializer("Page", map[string]any{"url": "about:blank"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "about:blank", initializer["url"])

	_, err = s.ValidateParams("Page", "fly", nil, nil)
	require.EqualError(t, err, "unknown scheme for params: Page.fly")
	_, err = s.ValidateInitializer("Frame", nil, nil)
	require.EqualError(t, err, "unknown scheme for initializer: Frame")

	tree := s.Ref("Tree")
	_, err = tree(map[string]any{
		"value":    "root",
		"children": []any{map[string]any{"value": "leaf"}, map[string]any{"value": 3.0}},
	}, "tree", nil)
	require.EqualError(t, err, "tree.children[1].value: expected string, got float64")

	_, err = s.Ref("Missing")(nil, "m", nil)
	require.EqualError(t, err, `m: unknown type "Missing"`)
}
