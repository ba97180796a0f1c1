package protocol

import (
	"fmt"
	"sync"
)

// Kind is the role a validator plays for a type.
type Kind string

// Validator kinds.
const (
	KindParams      Kind = "params"
	KindResult      Kind = "result"
	KindEvent       Kind = "event"
	KindInitializer Kind = "initializer"
)

type schemeKey struct {
	kind Kind
	typ  string
	name string
}

// Schema is the registry of validators describing the wire contract: the
// params and result of every method, the params of every event and the
// initializer of every type.
type Schema struct {
	mu         sync.RWMutex
	validators map[schemeKey]Validator
	types      map[string]Validator
}

// NewSchema returns an empty Schema.
func NewSchema() *Schema {
	return &Schema{
		validators: make(map[schemeKey]Validator),
		types:      make(map[string]Validator),
	}
}

func (s *Schema) set(k schemeKey, v Validator) *Schema {
	if v == nil {
		v = tEmpty
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validators[k] = v
	return s
}

// Method registers the params and result validators of typ.method. A nil
// validator means the method takes or returns nothing.
func (s *Schema) Method(typ, method string, params, result Validator) *Schema {
	s.set(schemeKey{KindParams, typ, method}, params)
	return s.set(schemeKey{KindResult, typ, method}, result)
}

// Event registers the params validator of an event emitted by typ.
func (s *Schema) Event(typ, event string, params Validator) *Schema {
	return s.set(schemeKey{KindEvent, typ, event}, params)
}

// Initializer registers the validator of typ's initializer.
func (s *Schema) Initializer(typ string, v Validator) *Schema {
	return s.set(schemeKey{KindInitializer, typ, ""}, v)
}

// Define registers a named validator to be referred to with TType.
func (s *Schema) Define(name string, v Validator) *Schema {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types[name] = v
	return s
}

// Ref returns a validator referring to the type registered as name.
func (s *Schema) Ref(name string) Validator {
	return TType(s, name)
}

func (s *Schema) named(name string) (Validator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.types[name]
	return v, ok
}

// Find returns the validator registered for kind, typ and name.
func (s *Schema) Find(kind Kind, typ, name string) (Validator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.validators[schemeKey{kind, typ, name}]
	if !ok {
		if kind == KindInitializer {
			return nil, NewValidationError("", "unknown scheme for %s: %s", kind, typ)
		}
		return nil, NewValidationError("", "unknown scheme for %s: %s.%s", kind, typ, name)
	}
	return v, nil
}

// HasMethod reports whether typ.method is part of the contract.
func (s *Schema) HasMethod(typ, method string) bool {
	_, err := s.Find(KindParams, typ, method)
	return err == nil
}

// ValidateParams validates the params of a call to typ.method.
func (s *Schema) ValidateParams(typ, method string, params map[string]any, vc *ValidatorContext) (map[string]any, error) {
	return s.validate(KindParams, typ, method, params, vc)
}

// ValidateResult validates the result of a call to typ.method.
func (s *Schema) ValidateResult(typ, method string, result map[string]any, vc *ValidatorContext) (map[string]any, error) {
	return s.validate(KindResult, typ, method, result, vc)
}

// ValidateEvent validates the params of typ's event.
func (s *Schema) ValidateEvent(typ, event string, params map[string]any, vc *ValidatorContext) (map[string]any, error) {
	return s.validate(KindEvent, typ, event, params, vc)
}

// ValidateInitializer validates typ's initializer.
func (s *Schema) ValidateInitializer(typ string, initializer map[string]any, vc *ValidatorContext) (map[string]any, error) {
	return s.validate(KindInitializer, typ, "", initializer, vc)
}

func (s *Schema) validate(kind Kind, typ, name string, payload map[string]any, vc *ValidatorContext) (map[string]any, error) {
	v, err := s.Find(kind, typ, name)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	out, err := v(payload, "", vc)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return map[string]any{}, nil
	}
	obj, ok := out.(map[string]any)
	if !ok {
		return nil, NewValidationError("", "%s of %s.%s must be an object, got %T", kind, typ, name, out)
	}
	return obj, nil
}

// String implements fmt.Stringer for debugging.
func (s *Schema) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("Schema{validators: %d, types: %d}", len(s.validators), len(s.types))
}
