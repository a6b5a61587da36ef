// Package handler provides implementations of the mcpsession.Assigner
// interface, and support for adapting ordinary functions to the
// mcpsession.Handler signature, generalizing jrpc2's own handler
// package for a bidirectional session.
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"strings"

	"github.com/riverrun-labs/mcpsession"
)

// Func is a convenience alias for mcpsession.Handler.
type Func = mcpsession.Handler

// Map is a trivial Assigner that looks up method names in a static map.
type Map map[string]mcpsession.Handler

// Assign implements mcpsession.Assigner.
func (m Map) Assign(_ context.Context, method string) mcpsession.Handler { return m[method] }

// Names implements mcpsession.Namer.
func (m Map) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServiceMap composes multiple assigners under a "Service.Method" naming
// convention, so a session can export several services at once.
type ServiceMap map[string]mcpsession.Assigner

// Assign splits method as Service.Method and delegates to the named
// service's assigner.
func (m ServiceMap) Assign(ctx context.Context, method string) mcpsession.Handler {
	parts := strings.SplitN(method, ".", 2)
	if len(parts) != 2 {
		return nil
	}
	if ass, ok := m[parts[0]]; ok {
		return ass.Assign(ctx, parts[1])
	}
	return nil
}

// Names reports the composed "Service.Method" names across every
// assigner that also implements mcpsession.Namer; an assigner that does
// not is listed as "Service.*".
func (m ServiceMap) Names() []string {
	var all []string
	for svc, ass := range m {
		if namer, ok := ass.(mcpsession.Namer); ok {
			for _, name := range namer.Names() {
				all = append(all, svc+"."+name)
			}
		} else {
			all = append(all, svc+".*")
		}
	}
	sort.Strings(all)
	return all
}

// New adapts fn to an mcpsession.Handler. It panics if fn's type is not
// one of the forms Check accepts; use Check directly to handle the error
// without panicking.
func New(fn interface{}) mcpsession.Handler {
	fi, err := Check(fn)
	if err != nil {
		panic(err)
	}
	return fi.Wrap()
}

var (
	ctxType    = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType    = reflect.TypeOf((*error)(nil)).Elem()
	reqType    = reflect.TypeOf((*mcpsession.Request)(nil))
	strictType = reflect.TypeOf((*interface{ DisallowUnknownFields() })(nil)).Elem()

	errNoParameters = &mcpsession.Error{Code: mcpsession.InvalidParams, Message: "no parameters accepted"}
)

// FuncInfo captures the type signature of a function accepted by Check.
type FuncInfo struct {
	Type         reflect.Type
	Argument     reflect.Type
	Result       reflect.Type
	ReportsError bool

	strictFields bool
	posNames     []string
	fn           interface{}
}

// SetStrict toggles whether the generated wrapper rejects unknown JSON
// object fields when unmarshaling a struct argument.
func (fi *FuncInfo) SetStrict(strict bool) *FuncInfo { fi.strictFields = strict; return fi }

// Check reports whether fn can serve as an mcpsession.Handler. fn must
// have one of the forms:
//
//	func(context.Context) error
//	func(context.Context) Y
//	func(context.Context) (Y, error)
//	func(context.Context, X) error
//	func(context.Context, X) Y
//	func(context.Context, X) (Y, error)
//	func(context.Context, *mcpsession.Request) error
//	func(context.Context, *mcpsession.Request) Y
//	func(context.Context, *mcpsession.Request) (Y, error)
//
// If the argument type X is a struct or pointer to struct, the wrapper
// also accepts a positional JSON array, mapped to X's exported fields in
// declaration order.
func Check(fn interface{}) (*FuncInfo, error) {
	if fn == nil {
		return nil, errors.New("nil function")
	}
	info := &FuncInfo{Type: reflect.TypeOf(fn), fn: fn}
	if info.Type.Kind() != reflect.Func {
		return nil, errors.New("not a function")
	}
	if np := info.Type.NumIn(); np == 0 || np > 2 {
		return nil, errors.New("wrong number of parameters")
	} else if info.Type.In(0) != ctxType {
		return nil, errors.New("first parameter is not context.Context")
	} else if info.Type.IsVariadic() {
		return nil, errors.New("variadic functions are not supported")
	} else if np == 2 {
		info.Argument = info.Type.In(1)
	}
	if ok, names := structFieldNames(info.Argument); ok {
		info.posNames = names
	}
	no := info.Type.NumOut()
	if no < 1 || no > 2 {
		return nil, errors.New("wrong number of results")
	} else if no == 2 && info.Type.Out(1) != errType {
		return nil, errors.New("result is not of type error")
	}
	info.ReportsError = info.Type.Out(no-1) == errType
	if no == 2 || !info.ReportsError {
		info.Result = info.Type.Out(0)
	}
	return info, nil
}

// Wrap adapts the function represented by fi to an mcpsession.Handler,
// pre-hoisting as much reflection work as possible out of the per-call
// path.
func (fi *FuncInfo) Wrap() mcpsession.Handler {
	if fi == nil || fi.fn == nil {
		panic("handler: invalid FuncInfo value")
	}
	if f, ok := fi.fn.(mcpsession.Handler); ok {
		return f
	}

	wrapArg := fi.argWrapper()
	var newInput func(ctx reflect.Value, req *mcpsession.Request) ([]reflect.Value, error)

	switch arg := fi.Argument; {
	case arg == nil:
		newInput = func(ctx reflect.Value, req *mcpsession.Request) ([]reflect.Value, error) {
			if len(req.Params) > 0 && string(req.Params) != "null" {
				return nil, errNoParameters
			}
			return []reflect.Value{ctx}, nil
		}
	case arg == reqType:
		newInput = func(ctx reflect.Value, req *mcpsession.Request) ([]reflect.Value, error) {
			return []reflect.Value{ctx, reflect.ValueOf(req)}, nil
		}
	case arg.Kind() == reflect.Ptr:
		newInput = func(ctx reflect.Value, req *mcpsession.Request) ([]reflect.Value, error) {
			in := reflect.New(arg.Elem())
			if err := json.Unmarshal(req.Params, wrapArg(in)); err != nil {
				return nil, wrapError(mcpsession.InvalidParams, err)
			}
			return []reflect.Value{ctx, in}, nil
		}
	default:
		newInput = func(ctx reflect.Value, req *mcpsession.Request) ([]reflect.Value, error) {
			in := reflect.New(arg)
			if err := json.Unmarshal(req.Params, wrapArg(in)); err != nil {
				return nil, wrapError(mcpsession.InvalidParams, err)
			}
			return []reflect.Value{ctx, in.Elem()}, nil
		}
	}

	var decodeOut func([]reflect.Value) (interface{}, error)
	switch {
	case fi.Result == nil:
		decodeOut = func(vals []reflect.Value) (interface{}, error) {
			if oerr := vals[0].Interface(); oerr != nil {
				return nil, oerr.(error)
			}
			return nil, nil
		}
	case !fi.ReportsError:
		decodeOut = func(vals []reflect.Value) (interface{}, error) {
			return vals[0].Interface(), nil
		}
	default:
		decodeOut = func(vals []reflect.Value) (interface{}, error) {
			if oerr := vals[1].Interface(); oerr != nil {
				return nil, oerr.(error)
			}
			return vals[0].Interface(), nil
		}
	}

	call := reflect.ValueOf(fi.fn).Call
	return func(ctx context.Context, req *mcpsession.Request) (interface{}, error) {
		args, err := newInput(reflect.ValueOf(ctx), req)
		if err != nil {
			return nil, err
		}
		return decodeOut(call(args))
	}
}

// arrayStub translates a JSON array into an object keyed by posNames
// before delegating to the wrapped value's own unmarshaling.
type arrayStub struct {
	v        interface{}
	posNames []string
}

func (s *arrayStub) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return json.Unmarshal(data, s.v)
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != len(s.posNames) {
		return mcpsession.Errorf(mcpsession.InvalidParams, "got %d parameters, want %d", len(arr), len(s.posNames))
	}
	obj := make(map[string]json.RawMessage, len(s.posNames))
	for i, name := range s.posNames {
		obj[name] = arr[i]
	}
	rewritten, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return json.Unmarshal(rewritten, s.v)
}

// strictStub enforces strict field checking against the enclosing JSON
// object when unmarshaling into a struct argument.
type strictStub struct{ v interface{} }

func (s *strictStub) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(s.v)
}

func (fi *FuncInfo) argWrapper() func(reflect.Value) interface{} {
	strict := fi.strictFields && fi.Argument != nil && !fi.Argument.Implements(strictType)
	names := fi.posNames
	array := len(names) != 0
	switch {
	case strict && array:
		return func(v reflect.Value) interface{} {
			return &arrayStub{v: &strictStub{v: v.Interface()}, posNames: names}
		}
	case strict:
		return func(v reflect.Value) interface{} { return &strictStub{v: v.Interface()} }
	case array:
		return func(v reflect.Value) interface{} {
			return &arrayStub{v: v.Interface(), posNames: names}
		}
	default:
		return reflect.Value.Interface
	}
}

// structFieldNames reports the exported, non-skipped JSON field names of
// t (or the struct t points to), in declaration order, for positional
// array decoding.
func structFieldNames(t reflect.Type) (bool, []string) {
	if t == nil {
		return false, nil
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return false, nil
	}
	var names []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" || f.Anonymous {
			continue
		}
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name := f.Name
		if parts := strings.SplitN(tag, ",", 2); parts[0] != "" {
			name = parts[0]
		}
		names = append(names, name)
	}
	return true, names
}

func wrapError(code mcpsession.Code, err error) error {
	var jerr *mcpsession.Error
	if errors.As(err, &jerr) {
		return jerr
	}
	return mcpsession.Errorf(code, "invalid parameters: %v", err)
}
