package handler_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/riverrun-labs/mcpsession"
	"github.com/riverrun-labs/mcpsession/handler"
)

type addParams struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func TestNewStructArgPositionalAndObject(t *testing.T) {
	h := handler.New(func(_ context.Context, p addParams) (int, error) {
		return p.X + p.Y, nil
	})

	cases := []string{`{"x":2,"y":3}`, `[2,3]`}
	for _, params := range cases {
		req := &mcpsession.Request{Params: json.RawMessage(params)}
		result, err := h(context.Background(), req)
		if err != nil {
			t.Fatalf("handler(%s): %v", params, err)
		}
		if result != 5 {
			t.Errorf("handler(%s) = %v, want 5", params, result)
		}
	}
}

func TestNewNoArgsRejectsParameters(t *testing.T) {
	h := handler.New(func(_ context.Context) (string, error) { return "ok", nil })
	_, err := h(context.Background(), &mcpsession.Request{Params: json.RawMessage(`{"x":1}`)})
	if err == nil {
		t.Fatal("expected an error when params are supplied to a no-arg handler")
	}
}

func TestNewRequestArgPassesThroughRaw(t *testing.T) {
	h := handler.New(func(_ context.Context, req *mcpsession.Request) (string, error) {
		return req.Method, nil
	})
	result, err := h(context.Background(), &mcpsession.Request{Method: "whoami"})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result != "whoami" {
		t.Errorf("result = %v, want %q", result, "whoami")
	}
}

func TestNewErrorOnlyReturn(t *testing.T) {
	wantErr := mcpsession.Errorf(mcpsession.InvalidParams, "boom")
	h := handler.New(func(_ context.Context, p addParams) error {
		if p.X < 0 {
			return wantErr
		}
		return nil
	})
	if _, err := h(context.Background(), &mcpsession.Request{Params: json.RawMessage(`{"x":-1,"y":0}`)}); err != wantErr {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
	if _, err := h(context.Background(), &mcpsession.Request{Params: json.RawMessage(`{"x":1,"y":0}`)}); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}

func TestCheckRejectsBadShapes(t *testing.T) {
	cases := []interface{}{
		nil,
		42,
		func() {},
		func(_ context.Context, _ int, _ int) error { return nil },
		func(_ int) error { return nil },
		func(_ context.Context, xs ...int) error { return nil },
		func(_ context.Context) (int, int) { return 0, 0 },
	}
	for i, fn := range cases {
		if _, err := handler.Check(fn); err == nil {
			t.Errorf("case %d: expected Check to reject %T", i, fn)
		}
	}
}

func TestNewPanicsOnInvalidFunc(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected New to panic on an invalid function shape")
		}
	}()
	handler.New(func(_ int) {})
}

func TestFuncInfoSetStrictRejectsUnknownFields(t *testing.T) {
	fi, err := handler.Check(func(_ context.Context, p addParams) (int, error) { return p.X, nil })
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	h := fi.SetStrict(true).Wrap()

	_, err = h(context.Background(), &mcpsession.Request{Params: json.RawMessage(`{"x":1,"y":2,"z":3}`)})
	if err == nil {
		t.Fatal("expected strict mode to reject an unknown field")
	}
	result, err := h(context.Background(), &mcpsession.Request{Params: json.RawMessage(`{"x":1,"y":2}`)})
	if err != nil {
		t.Fatalf("handler with known fields: %v", err)
	}
	if result != 1 {
		t.Errorf("result = %v, want 1", result)
	}
}

func TestMapAssignAndNames(t *testing.T) {
	m := handler.Map{
		"b": handler.New(func(_ context.Context) (string, error) { return "b", nil }),
		"a": handler.New(func(_ context.Context) (string, error) { return "a", nil }),
	}
	if got := m.Names(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Names() = %v, want sorted [a b]", got)
	}
	if m.Assign(context.Background(), "missing") != nil {
		t.Error("Assign(missing) should be nil")
	}
	if m.Assign(context.Background(), "a") == nil {
		t.Error("Assign(a) should not be nil")
	}
}

func TestServiceMapAssignSplitsOnFirstDot(t *testing.T) {
	svc := handler.Map{"method": handler.New(func(_ context.Context) (string, error) { return "ok", nil })}
	sm := handler.ServiceMap{"Tools": svc}

	h := sm.Assign(context.Background(), "Tools.method")
	if h == nil {
		t.Fatal("expected Tools.method to resolve")
	}
	result, err := h(context.Background(), &mcpsession.Request{})
	if err != nil || result != "ok" {
		t.Fatalf("result = %v, err = %v", result, err)
	}

	if sm.Assign(context.Background(), "malformed") != nil {
		t.Error("expected a method with no dot to fail to resolve")
	}
	if sm.Assign(context.Background(), "Unknown.method") != nil {
		t.Error("expected an unknown service to fail to resolve")
	}
}
