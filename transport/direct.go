package transport

import (
	"context"
	"errors"
	"io"
	"sync"
)

// direct is an in-memory Transport that passes message buffers between a
// connected pair without encoding, generalizing jrpc2's channel.Direct
// for use in tests and same-process peers.
type direct struct {
	send   chan []byte
	recv   <-chan []byte
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// Pair returns two connected in-memory transports: frames sent on one are
// received on the other.
func Pair() (a, b Transport) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	a = &direct{send: ab, recv: ba, done: make(chan struct{})}
	b = &direct{send: ba, recv: ab, done: make(chan struct{})}
	return
}

func (d *direct) Connect(context.Context) error { return nil }

func (d *direct) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	close(d.done)
	close(d.send)
	return nil
}

func (d *direct) Send(ctx context.Context, data []byte, _ string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.New("send on closed transport")
		}
	}()
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case d.send <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *direct) Recv(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-d.recv:
		if !ok {
			return Message{}, io.EOF
		}
		return Message{Bytes: msg}, nil
	case <-d.done:
		return Message{}, io.EOF
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (d *direct) SetProtocolVersion(string) {}
