package transport

// Newline-delimited JSON framing, generalizing the ndjsonFramer found in
// the golang-tools internal MCP transport: each line (or multi-line JSON
// value, since json.Decoder does not require a newline inside a value)
// is one frame. A frame may itself be a JSON-RPC batch array; batch
// response assembly is the dispatch loop's concern (it writes the
// already-combined array as a single frame), not this transport's.

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
)

type ndjson struct {
	wc io.WriteCloser
	in *json.Decoder

	writeMu sync.Mutex
}

// NewNDJSON returns a newline-delimited-JSON Transport.
func NewNDJSON(r io.Reader, wc io.WriteCloser) Transport {
	return &ndjson{wc: wc, in: json.NewDecoder(bufio.NewReader(r))}
}

func (n *ndjson) Connect(context.Context) error { return nil }
func (n *ndjson) Disconnect() error             { return n.wc.Close() }

func (n *ndjson) Recv(ctx context.Context) (Message, error) {
	var raw json.RawMessage
	if err := n.in.Decode(&raw); err != nil {
		return Message{}, err
	}
	return Message{Bytes: []byte(raw)}, nil
}

// Send writes one frame, already fully formed by the caller (a single
// request/response/notification, or a pre-assembled batch array).
func (n *ndjson) Send(ctx context.Context, data []byte, _ string) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	if _, err := n.wc.Write(data); err != nil {
		return err
	}
	_, err := n.wc.Write([]byte("\n"))
	return err
}

func (n *ndjson) SetProtocolVersion(string) {}
