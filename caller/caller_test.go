package caller_test

import (
	"context"
	"testing"
	"time"

	"github.com/riverrun-labs/mcpsession"
	"github.com/riverrun-labs/mcpsession/caller"
	"github.com/riverrun-labs/mcpsession/handler"
	"github.com/riverrun-labs/mcpsession/transport"
)

func mustPair(t *testing.T, assigner mcpsession.Assigner) (cli *mcpsession.Session) {
	t.Helper()
	clientTr, serverTr := transport.Pair()
	srv := mcpsession.NewSession(assigner, nil)
	cli = mcpsession.NewSession(nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		_, err := srv.Connect(ctx, serverTr, mcpsession.Responder, nil)
		errc <- err
	}()
	if _, err := cli.Connect(ctx, clientTr, mcpsession.Initiator, nil); err != nil {
		t.Fatalf("client Connect: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("server Connect: %v", err)
	}
	t.Cleanup(func() {
		cli.Close()
		srv.Close()
	})
	return cli
}

func TestNewBasicCall(t *testing.T) {
	assigner := handler.Map{
		"Math.Add": handler.New(func(_ context.Context, nums []int) (int, error) {
			sum := 0
			for _, n := range nums {
				sum += n
			}
			return sum, nil
		}),
	}
	cli := mustPair(t, assigner)

	add := caller.New("Math.Add", []int(nil), int(0)).(func(context.Context, *mcpsession.Session, []int) (int, error))
	sum, err := add(context.Background(), cli, []int{1, 3, 5, 7})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if sum != 16 {
		t.Errorf("sum = %d, want 16", sum)
	}
}

func TestNewVariadic(t *testing.T) {
	assigner := handler.Map{
		"Math.Add": handler.New(func(_ context.Context, nums []int) (int, error) {
			sum := 0
			for _, n := range nums {
				sum += n
			}
			return sum, nil
		}),
	}
	cli := mustPair(t, assigner)

	add := caller.New("Math.Add", int(0), int(0), caller.Variadic()).(func(context.Context, *mcpsession.Session, ...int) (int, error))
	sum, err := add(context.Background(), cli, 2, 4, 6)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if sum != 12 {
		t.Errorf("sum = %d, want 12", sum)
	}
}

func TestNewNoRequestArgument(t *testing.T) {
	assigner := handler.Map{
		"Status": handler.New(func(_ context.Context) (string, error) { return "ok", nil }),
	}
	cli := mustPair(t, assigner)

	status := caller.New("Status", nil, string("")).(func(context.Context, *mcpsession.Session) (string, error))
	got, err := status(context.Background(), cli)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got != "ok" {
		t.Errorf("got %q, want %q", got, "ok")
	}
}

func TestNewPointerResult(t *testing.T) {
	type Info struct {
		Name string `json:"name"`
	}
	assigner := handler.Map{
		"Info": handler.New(func(_ context.Context) (*Info, error) { return &Info{Name: "svc"}, nil }),
	}
	cli := mustPair(t, assigner)

	info := caller.New("Info", nil, (*Info)(nil)).(func(context.Context, *mcpsession.Session) (*Info, error))
	got, err := info(context.Background(), cli)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if got == nil || got.Name != "svc" {
		t.Fatalf("got %+v, want Name=svc", got)
	}
}

func TestNewPropagatesRemoteError(t *testing.T) {
	wantErr := mcpsession.Errorf(mcpsession.InvalidParams, "nope")
	assigner := handler.Map{
		"Fail": handler.New(func(_ context.Context) (string, error) { return "", wantErr }),
	}
	cli := mustPair(t, assigner)

	fail := caller.New("Fail", nil, string("")).(func(context.Context, *mcpsession.Session) (string, error))
	_, err := fail(context.Background(), cli)
	if err == nil {
		t.Fatal("expected an error from the remote handler")
	}
}

func TestNewPanicsOnNilResultType(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected New to panic when the result type is nil")
		}
	}()
	caller.New("whatever", nil, nil)
}
