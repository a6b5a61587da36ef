// Package caller reflectively constructs typed wrapper functions for
// calls through an mcpsession.Session, generalizing jrpc2's own caller
// package from a *jrpc2.Client to a bidirectional *mcpsession.Session.
//
// New takes the name of a method, a request type X and a result type Y,
// and returns a function with the signature:
//
//	func(context.Context, *mcpsession.Session, X) (Y, error)
//
// The result must be asserted to that type:
//
//	Add := caller.New("Math.Add", []int(nil), int(0)).(func(context.Context, *mcpsession.Session, []int) (int, error))
//	sum, err := Add(ctx, sess, []int{1, 3, 5, 7})
//
// As with jrpc2's caller, X == nil omits the request argument, and
// Variadic() makes the request argument variadic.
package caller

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/riverrun-labs/mcpsession"
)

var (
	sessType = reflect.TypeOf((*mcpsession.Session)(nil))
	errType  = reflect.TypeOf((*error)(nil)).Elem()
	ctxType  = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// An Option controls an optional behavior of New.
type Option interface{ callOption() }

type variadic struct{}

func (variadic) callOption() {}

// Variadic makes the generated wrapper's request parameter variadic.
func Variadic() Option { return variadic{} }

type withOpts struct{ opts *mcpsession.CallOptions }

func (withOpts) callOption() {}

// WithCallOptions threads fixed CallOptions (progress callback, timeout)
// into every invocation of the generated wrapper.
func WithCallOptions(opts *mcpsession.CallOptions) Option { return withOpts{opts} }

// New reflectively constructs a function of type
//
//	func(context.Context, *mcpsession.Session, X) (Y, error)
//
// that calls method via sess, marshaling the request and unmarshaling the
// response automatically. New panics if Y == nil.
func New(method string, X, Y interface{}, opts ...Option) interface{} {
	var wantVariadic bool
	var callOpts *mcpsession.CallOptions
	for _, opt := range opts {
		switch o := opt.(type) {
		case variadic:
			wantVariadic = true
		case withOpts:
			callOpts = o.opts
		}
	}

	reqType := reflect.TypeOf(X)
	rspType := reflect.TypeOf(Y)
	if rspType == nil {
		panic("caller: result type must not be nil")
	}
	if wantVariadic {
		reqType = reflect.SliceOf(reqType)
	}
	argTypes := []reflect.Type{ctxType, sessType}
	if reqType != nil {
		argTypes = append(argTypes, reqType)
	}
	funType := reflect.FuncOf(argTypes, []reflect.Type{rspType, errType}, wantVariadic)

	wantPtr := rspType.Kind() == reflect.Ptr
	if wantPtr {
		rspType = rspType.Elem()
	}

	param := func(v []reflect.Value) interface{} { return v[2].Interface() }
	if reqType == nil {
		param = func([]reflect.Value) interface{} { return nil }
	} else if reqType.Kind() == reflect.Slice {
		param = func(v []reflect.Value) interface{} {
			if v[2].IsNil() {
				return reflect.MakeSlice(reqType, 0, 0).Interface()
			}
			return v[2].Interface()
		}
	}

	return reflect.MakeFunc(funType, func(args []reflect.Value) []reflect.Value {
		ctx := args[0].Interface().(context.Context)
		sess := args[1].Interface().(*mcpsession.Session)
		rsp := reflect.New(rspType)
		rerr := reflect.Zero(errType)

		params, err := json.Marshal(param(args))
		var result *mcpsession.Response
		if err == nil {
			result, err = sess.Call(ctx, method, params, callOpts)
		}
		if err == nil {
			if result.IsError() {
				err = result.Error
			} else if len(result.Result) > 0 {
				err = json.Unmarshal(result.Result, rsp.Interface())
			}
		}
		if err != nil {
			rerr = reflect.ValueOf(err).Convert(errType)
		}
		if wantPtr {
			return []reflect.Value{rsp, rerr}
		}
		return []reflect.Value{rsp.Elem(), rerr}
	}).Interface()
}
