package mcpsession

import (
	"encoding/json"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want frameKind
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, frameRequest},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, frameNotification},
		{"response-result", `{"jsonrpc":"2.0","id":1,"result":{}}`, frameResponse},
		{"response-error", `{"jsonrpc":"2.0","id":1,"error":{"code":-32600,"message":"bad"}}`, frameResponse},
		{"batch", `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, frameBatch},
		{"malformed-empty-object", `{}`, frameMalformed},
		{"malformed-garbage", `not json`, frameMalformed},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := classify([]byte(test.raw)); got != test.want {
				t.Errorf("classify(%s) = %v, want %v", test.raw, got, test.want)
			}
		})
	}
}

func TestDecodeFrameResponseBatch(t *testing.T) {
	raw := `[{"jsonrpc":"2.0","id":1,"result":1},{"jsonrpc":"2.0","id":2,"result":2}]`
	d := decodeFrame([]byte(raw))
	if d.kind != frameResponseBatch {
		t.Fatalf("kind = %v, want frameResponseBatch", d.kind)
	}
	if len(d.responses) != 2 {
		t.Fatalf("got %d responses, want 2", len(d.responses))
	}
}

func TestDecodeFrameRequestBatch(t *testing.T) {
	raw := `[{"jsonrpc":"2.0","id":1,"method":"a"},{"jsonrpc":"2.0","method":"notifications/b"}]`
	d := decodeFrame([]byte(raw))
	if d.kind != frameBatch {
		t.Fatalf("kind = %v, want frameBatch", d.kind)
	}
	if len(d.batch.Requests) != 1 || len(d.batch.Notifications) != 1 {
		t.Fatalf("batch = %+v", d.batch)
	}
}

func TestDecodeFrameEmptyBatchIsMalformed(t *testing.T) {
	d := decodeFrame([]byte(`[]`))
	if d.kind != frameMalformed {
		t.Errorf("kind = %v, want frameMalformed for empty batch", d.kind)
	}
}

func TestInjectMetaProgressToken(t *testing.T) {
	tok := NewStringID("abc")
	out, err := injectMeta(json.RawMessage(`{"x":1}`), metaEntries{ProgressToken: &tok})
	if err != nil {
		t.Fatalf("injectMeta: %v", err)
	}
	var decoded struct {
		X    int `json:"x"`
		Meta struct {
			ProgressToken string `json:"progressToken"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if decoded.X != 1 {
		t.Errorf("x field disturbed: got %d, want 1", decoded.X)
	}
	if decoded.Meta.ProgressToken != "abc" {
		t.Errorf("progressToken = %q, want %q", decoded.Meta.ProgressToken, "abc")
	}
}

func TestInjectResultMetaPreservesFields(t *testing.T) {
	out, err := injectResultMeta(json.RawMessage(`{"content":[1,2,3],"isError":false}`), "task-1")
	if err != nil {
		t.Fatalf("injectResultMeta: %v", err)
	}
	var decoded struct {
		Content []int `json:"content"`
		IsError bool  `json:"isError"`
		Meta    struct {
			RelatedTask struct {
				TaskID string `json:"taskId"`
			} `json:"io.modelcontextprotocol/related-task"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded.Content) != 3 {
		t.Errorf("content dropped: %+v", decoded)
	}
	if decoded.Meta.RelatedTask.TaskID != "task-1" {
		t.Errorf("related-task taskId = %q, want %q", decoded.Meta.RelatedTask.TaskID, "task-1")
	}
}

func TestEncodeCanonicalNoHTMLEscape(t *testing.T) {
	out, err := encode(map[string]string{"a": "<b>&c"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"a":"<b>&c"}`
	if string(out) != want {
		t.Errorf("encode() = %s, want %s", out, want)
	}
}
