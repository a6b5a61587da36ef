package transport

// Header-framed transport: Content-Type/Content-Length prefixed records,
// generalizing jrpc2's channel.Header framing (the same discipline LSP
// and MCP stdio hosts use).

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const mimeType = "application/vscode-jsonrpc; charset=utf-8"

type header struct {
	wc  io.WriteCloser
	rd  *bufio.Reader
	buf bytes.Buffer

	sendMu   sendLock
	version  string
}

type sendLock struct{ ch chan struct{} }

func newSendLock() sendLock {
	l := sendLock{ch: make(chan struct{}, 1)}
	l.ch <- struct{}{}
	return l
}
func (l sendLock) Lock()   { <-l.ch }
func (l sendLock) Unlock() { l.ch <- struct{}{} }

// NewStdIO returns a header-framed Transport reading r and writing wc,
// suitable for a process communicating over stdin/stdout.
func NewStdIO(r io.Reader, wc io.WriteCloser) Transport {
	return &header{wc: wc, rd: bufio.NewReader(r), sendMu: newSendLock()}
}

func (h *header) Connect(context.Context) error { return nil }
func (h *header) Disconnect() error             { return h.wc.Close() }

func (h *header) Send(ctx context.Context, data []byte, _ string) error {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	h.buf.Reset()
	fmt.Fprintf(&h.buf, "Content-Type: %s\r\n", mimeType)
	fmt.Fprintf(&h.buf, "Content-Length: %d\r\n\r\n", len(data))
	h.buf.Write(data)
	_, err := h.wc.Write(h.buf.Bytes())
	return err
}

func (h *header) Recv(ctx context.Context) (Message, error) {
	p := make(map[string]string)
	for {
		raw, err := h.rd.ReadString('\n')
		line := strings.TrimRight(raw, "\r\n")
		if line != "" {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) != 2 {
				return Message{}, errors.New("invalid header line")
			}
			p[strings.ToLower(parts[0])] = strings.TrimSpace(parts[1])
		}
		if err == io.EOF {
			if line == "" {
				return Message{}, io.EOF
			}
			break
		} else if err != nil {
			return Message{}, err
		} else if line == "" {
			break
		}
	}
	clen, ok := p["content-length"]
	if !ok {
		return Message{}, errors.New("missing required content-length")
	}
	size, err := strconv.Atoi(clen)
	if err != nil || size < 0 {
		return Message{}, fmt.Errorf("invalid content-length: %q", clen)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(h.rd, data); err != nil {
		return Message{}, err
	}
	return Message{Bytes: data}, nil
}

func (h *header) SetProtocolVersion(v string) { h.version = v }
