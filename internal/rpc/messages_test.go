package rpc

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecode(t *testing.T) {
	t.Run("valid envelope", func(t *testing.T) {
		req, err := Decode([]byte(`{"jsonrpc":"2.0","method":"call","params":{"a":1},"id":7}`))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if req.Method != "call" {
			t.Fatalf("method = %q", req.Method)
		}
		if req.ID.String() != "7" {
			t.Fatalf("id = %q", req.ID.String())
		}
		var params map[string]any
		if err := json.Unmarshal(req.Params, &params); err != nil {
			t.Fatalf("params: %v", err)
		}
		if params["a"] != float64(1) {
			t.Fatalf("params = %#v", params)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		if _, err := Decode([]byte(`{"jsonrpc":`)); err == nil {
			t.Fatal("expected error for malformed body")
		}
	})

	t.Run("empty body", func(t *testing.T) {
		if _, err := Decode(nil); err == nil {
			t.Fatal("expected error for empty body")
		}
	})

	t.Run("structural reference rejected at any depth", func(t *testing.T) {
		body := `{"jsonrpc":"2.0","method":"call","params":{"context":{"nested":[{"__ref":4}]}},"id":1}`
		_, err := Decode([]byte(body))
		if err == nil {
			t.Fatal("expected rejection")
		}
		if !strings.Contains(err.Error(), "non-literal") {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestRejectNonLiteral(t *testing.T) {
	ok := []any{
		nil,
		map[string]any{"a": 1, "b": []any{"x"}},
		[]any{map[string]any{"ref": 1}},
	}
	for _, v := range ok {
		if err := RejectNonLiteral(v); err != nil {
			t.Errorf("RejectNonLiteral(%#v) = %v, want nil", v, err)
		}
	}

	bad := []any{
		map[string]any{"__ref": 4},
		map[string]any{"outer": map[string]any{"__ref": 4}},
		[]any{[]any{map[string]any{"__ref": "m"}}},
	}
	for _, v := range bad {
		if err := RejectNonLiteral(v); err == nil {
			t.Errorf("RejectNonLiteral(%#v) = nil, want error", v)
		}
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	cases := []struct {
		raw  string
		want any
	}{
		{`"abc"`, "abc"},
		{`42`, int64(42)},
		{`4.5`, 4.5},
		{`null`, nil},
	}
	for _, tc := range cases {
		var id RequestID
		if err := id.UnmarshalJSON([]byte(tc.raw)); err != nil {
			t.Fatalf("unmarshal %s: %v", tc.raw, err)
		}
		if id.Value() != tc.want {
			t.Fatalf("Value() = %#v, want %#v", id.Value(), tc.want)
		}
		out, err := id.MarshalJSON()
		if err != nil {
			t.Fatalf("marshal %s: %v", tc.raw, err)
		}
		if string(out) != tc.raw {
			t.Fatalf("round-trip of %s produced %s", tc.raw, out)
		}
	}

	var id RequestID
	if err := id.UnmarshalJSON([]byte(`{"x":1}`)); err == nil {
		t.Fatal("object id must be rejected")
	}
}

func TestResponseWireShape(t *testing.T) {
	t.Run("null id is explicit", func(t *testing.T) {
		body, err := json.Marshal(NewResult(nil, "ok"))
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(body), `"id":null`) {
			t.Fatalf("body = %s", body)
		}
	})

	t.Run("nil result still emits the result member", func(t *testing.T) {
		body, err := json.Marshal(NewResult(NewRequestID(7), nil))
		if err != nil {
			t.Fatal(err)
		}
		s := string(body)
		if !strings.Contains(s, `"result":null`) {
			t.Fatalf("success envelope without result member: %s", s)
		}
		if strings.Contains(s, `"error"`) {
			t.Fatalf("success envelope carries error member: %s", s)
		}
	})

	t.Run("error envelope has no result member", func(t *testing.T) {
		body, err := json.Marshal(NewError(NewRequestID(7), CodeServerError, "Server Error", nil))
		if err != nil {
			t.Fatal(err)
		}
		if strings.Contains(string(body), `"result"`) {
			t.Fatalf("error envelope carries result member: %s", body)
		}
	})

	t.Run("error envelope carries code and data", func(t *testing.T) {
		resp := NewError(NewRequestID("r1"), CodeSessionInvalid, "Session Invalid", map[string]any{"name": "x"})
		body, err := json.Marshal(resp)
		if err != nil {
			t.Fatal(err)
		}
		s := string(body)
		if !strings.Contains(s, `"code":100`) || !strings.Contains(s, `"id":"r1"`) {
			t.Fatalf("body = %s", s)
		}
	})
}
