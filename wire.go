package mcpsession

// Wire codec (C1): classifies inbound frames and serialises outbound ones.
//
// Classification is done with gjson directly against the raw bytes rather
// than a full unmarshal, mirroring the shape-sniffing jrpc2's own json.go
// does by hand against map[string]json.RawMessage; gjson gives the
// same field-presence queries without allocating a map. _meta injection is
// a structural rewrite via sjson, so that unrelated fields of an
// already-encoded params object are never disturbed: a decode/mutate/
// re-encode round trip could reorder or drop fields the caller did not
// ask us to touch.

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const jsonrpcVersion = "2.0"

// classify inspects a single (non-array) decoded JSON object and reports
// whether it is a request, notification, or response.
func classify(raw []byte) frameKind {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return frameMalformed
	}
	if trimmed[0] == '[' {
		return frameBatch
	}
	if trimmed[0] != '{' {
		return frameMalformed
	}
	res := gjson.ParseBytes(trimmed)
	hasMethod := res.Get("method").Exists()
	hasID := res.Get("id").Exists()
	hasResult := res.Get("result").Exists()
	hasError := res.Get("error").Exists()
	switch {
	case hasMethod && hasID:
		return frameRequest
	case hasMethod && !hasID:
		return frameNotification
	case hasID && (hasResult || hasError):
		return frameResponse
	default:
		return frameMalformed
	}
}

// frameResponseBatch classifies an array frame whose elements are all
// responses, as opposed to a batch of requests/notifications; both share
// the JSON array shape, so the distinction is made by peeking the first
// element once classify has already told us it is an array.
const frameResponseBatch frameKind = frameBatch + 1

// decoded is the result of parsing one wire frame.
type decoded struct {
	kind      frameKind
	request   *Request
	notice    *Notification
	response  *Response
	batch     *Batch
	responses []*Response
}

// decodeFrame parses raw into a Request, Notification, Response, Batch, or
// response-batch and reports which one it found. On frameMalformed the
// remaining fields are zero and callers should treat the frame as a
// protocol error.
func decodeFrame(raw []byte) decoded {
	kind := classify(raw)
	switch kind {
	case frameRequest:
		var r Request
		if err := strictUnmarshal(raw, &r); err != nil || r.Method == "" {
			return decoded{kind: frameMalformed}
		}
		return decoded{kind: kind, request: &r}
	case frameNotification:
		var n Notification
		if err := strictUnmarshal(raw, &n); err != nil || n.Method == "" {
			return decoded{kind: frameMalformed}
		}
		return decoded{kind: kind, notice: &n}
	case frameResponse:
		var r Response
		if err := strictUnmarshal(raw, &r); err != nil {
			return decoded{kind: frameMalformed}
		}
		if r.Result != nil && r.Error != nil {
			return decoded{kind: frameMalformed}
		}
		return decoded{kind: kind, response: &r}
	case frameBatch:
		arr := gjson.ParseBytes(raw).Array()
		if len(arr) == 0 {
			return decoded{kind: frameMalformed}
		}
		if classify([]byte(arr[0].Raw)) == frameResponse {
			rs, err := decodeResponseBatch(raw)
			if err != nil {
				return decoded{kind: frameMalformed}
			}
			return decoded{kind: frameResponseBatch, responses: rs}
		}
		b, err := decodeBatch(raw)
		if err != nil {
			return decoded{kind: frameMalformed}
		}
		return decoded{kind: kind, batch: b}
	default:
		return decoded{kind: frameMalformed}
	}
}

// strictUnmarshal decodes into v and rejects version mismatches, matching
// jrpc2's own field-by-field validation in spirit though not in mechanism
// (gjson already did the shape sniffing; this just fills v).
func strictUnmarshal(raw []byte, v interface{}) error {
	if ver := gjson.GetBytes(raw, "jsonrpc"); ver.Exists() && ver.String() != jsonrpcVersion {
		return fmt.Errorf("unsupported jsonrpc version %q", ver.String())
	}
	return json.Unmarshal(raw, v)
}

// decodeBatch splits a JSON array frame into its request and notification
// members, in order. An empty batch is a protocol error.
func decodeBatch(raw []byte) (*Batch, error) {
	arr := gjson.ParseBytes(raw).Array()
	if len(arr) == 0 {
		return nil, errEmptyBatch
	}
	b := &Batch{}
	for _, el := range arr {
		elRaw := []byte(el.Raw)
		switch classify(elRaw) {
		case frameRequest:
			var r Request
			if err := strictUnmarshal(elRaw, &r); err != nil {
				return nil, err
			}
			b.Requests = append(b.Requests, &r)
		case frameNotification:
			var n Notification
			if err := strictUnmarshal(elRaw, &n); err != nil {
				return nil, err
			}
			b.Notifications = append(b.Notifications, &n)
		default:
			return nil, fmt.Errorf("invalid batch member: %s", el.Raw)
		}
	}
	return b, nil
}

// decodeResponseBatch parses raw as an array of responses, used to match a
// batch of outgoing requests against their replies.
func decodeResponseBatch(raw []byte) ([]*Response, error) {
	arr := gjson.ParseBytes(raw).Array()
	out := make([]*Response, 0, len(arr))
	for _, el := range arr {
		var r Response
		if err := json.Unmarshal([]byte(el.Raw), &r); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, nil
}

// encode renders v to JSON with no escaping of '<', '>', '&', or '/', so
// golden-file tests and diffs are stable. Go map keys come out sorted and
// struct fields in declaration order; json.RawMessage values (such as
// params rewritten by injectMeta) are copied through with their key order
// unchanged.
func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// metaEntries are the well-known keys injectMeta can write into outbound
// request params: ProgressToken and RelatedTask go under _meta,
// TaskTTLMillis goes to task.ttl outside _meta.
type metaEntries struct {
	ProgressToken *ProgressToken
	RelatedTask   *string // taskId, for io.modelcontextprotocol/related-task
	TaskTTLMillis *int64  // task.ttl, for task-augmented outbound requests
}

// injectMeta merges entries into params (see metaEntries), creating params
// and/or _meta as needed, without disturbing any other field already
// present.
func injectMeta(params json.RawMessage, m metaEntries) (json.RawMessage, error) {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	out := []byte(params)
	var err error
	if m.ProgressToken != nil {
		tok, merr := json.Marshal(m.ProgressToken)
		if merr != nil {
			return nil, merr
		}
		out, err = sjson.SetRawBytes(out, "_meta.progressToken", tok)
		if err != nil {
			return nil, err
		}
	}
	if m.RelatedTask != nil {
		out, err = sjson.SetBytes(out, "_meta.io\\.modelcontextprotocol/related-task.taskId", *m.RelatedTask)
		if err != nil {
			return nil, err
		}
	}
	if m.TaskTTLMillis != nil {
		out, err = sjson.SetBytes(out, "task.ttl", *m.TaskTTLMillis)
		if err != nil {
			return nil, err
		}
	}
	return json.RawMessage(out), nil
}

// injectResultMeta stamps a tasks/result response payload with the
// related-task metadata key, flattening the stored result's top-level
// fields in alongside it.
func injectResultMeta(result json.RawMessage, taskID string) (json.RawMessage, error) {
	if len(result) == 0 {
		result = json.RawMessage("{}")
	}
	out, err := sjson.SetBytes([]byte(result), "_meta.io\\.modelcontextprotocol/related-task.taskId", taskID)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

// InjectRelatedTaskMeta is the exported form of injectResultMeta, used by
// the task subpackage to stamp a tasks/result payload without this
// package needing to expose sjson to every caller.
func InjectRelatedTaskMeta(result json.RawMessage, taskID string) (json.RawMessage, error) {
	return injectResultMeta(result, taskID)
}

const (
	metaKeyRelatedTask           = "io.modelcontextprotocol/related-task"
	metaKeyModelImmediateResult  = "io.modelcontextprotocol/model-immediate-response"
)
