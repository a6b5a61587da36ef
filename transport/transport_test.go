package transport_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/riverrun-labs/mcpsession/transport"
)

type nopWriteCloser struct{ *bytes.Buffer }

func (nopWriteCloser) Close() error { return nil }

func TestPairRoundTrip(t *testing.T) {
	a, b := transport.Pair()
	ctx := context.Background()
	if err := a.Send(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`), ""); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(msg.Bytes) != `{"jsonrpc":"2.0","id":1,"method":"ping"}` {
		t.Errorf("Recv = %s", msg.Bytes)
	}
}

func TestPairDisconnectUnblocksRecv(t *testing.T) {
	a, b := transport.Pair()
	done := make(chan error, 1)
	go func() {
		_, err := b.Recv(context.Background())
		done <- err
	}()
	if err := a.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := <-done; err != io.EOF {
		t.Errorf("Recv after Disconnect = %v, want io.EOF", err)
	}
}

func TestNDJSONRoundTrip(t *testing.T) {
	var wire bytes.Buffer
	tr := transport.NewNDJSON(&wire, nopWriteCloser{&wire})
	ctx := context.Background()

	frame := []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`)
	if err := tr.Send(ctx, frame, ""); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := wire.String(); got != string(frame)+"\n" {
		t.Fatalf("wire = %q, want %q", got, string(frame)+"\n")
	}

	msg, err := tr.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(msg.Bytes) != string(frame) {
		t.Errorf("Recv = %s, want %s", msg.Bytes, frame)
	}
}

func TestNDJSONBatchFrameRoundTrip(t *testing.T) {
	var wire bytes.Buffer
	tr := transport.NewNDJSON(&wire, nopWriteCloser{&wire})
	batch := []byte(`[{"jsonrpc":"2.0","id":1,"result":1},{"jsonrpc":"2.0","id":2,"result":2}]`)
	if err := tr.Send(context.Background(), batch, ""); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg, err := tr.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(msg.Bytes) != string(batch) {
		t.Errorf("Recv = %s, want %s", msg.Bytes, batch)
	}
}

func TestStdIOHeaderFraming(t *testing.T) {
	var wire bytes.Buffer
	tr := transport.NewStdIO(&wire, nopWriteCloser{&wire})
	ctx := context.Background()

	frame := []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if err := tr.Send(ctx, frame, ""); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !bytes.Contains(wire.Bytes(), []byte("Content-Length: ")) {
		t.Fatalf("wire missing Content-Length header: %q", wire.String())
	}

	msg, err := tr.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(msg.Bytes) != string(frame) {
		t.Errorf("Recv = %s, want %s", msg.Bytes, frame)
	}
}

func TestStdIOMissingContentLength(t *testing.T) {
	r := bytes.NewBufferString("Content-Type: application/json\r\n\r\n")
	tr := transport.NewStdIO(r, nopWriteCloser{&bytes.Buffer{}})
	if _, err := tr.Recv(context.Background()); err == nil {
		t.Fatal("expected an error for a header block missing Content-Length")
	}
}
