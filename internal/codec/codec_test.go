package codec

import (
	"encoding/json"
	"testing"
)

func TestParseEncoding(t *testing.T) {
	tests := []struct {
		in      string
		want    Encoding
		wantErr bool
	}{
		{"json", EncodingJSON, false},
		{"msgpack", EncodingMsgpack, false},
		{"", "", true},
		{"bson", "", true},
	}
	for _, tt := range tests {
		got, err := ParseEncoding(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseEncoding(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseEncoding(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMarshalUnmarshal_JSON(t *testing.T) {
	in := map[string]interface{}{"a": float64(1), "b": "two"}
	body, err := Marshal(EncodingJSON, in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out map[string]interface{}
	if err := Unmarshal(EncodingJSON, body, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out["b"] != "two" {
		t.Errorf("out[b] = %v, want two", out["b"])
	}
}

func TestMarshalUnmarshal_Msgpack(t *testing.T) {
	in := map[string]interface{}{"a": int64(5)}
	body, err := Marshal(EncodingMsgpack, in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out map[string]interface{}
	if err := Unmarshal(EncodingMsgpack, body, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
}

func TestObjectify_LargeIntBecomesString(t *testing.T) {
	in := map[string]interface{}{"id": int64(1) << 40}
	out := Objectify(in).(map[string]interface{})
	if _, ok := out["id"].(string); !ok {
		t.Errorf("id = %T, want string", out["id"])
	}
}

func TestObjectify_SmallIntUnchanged(t *testing.T) {
	in := map[string]interface{}{"count": int64(42)}
	out := Objectify(in).(map[string]interface{})
	if out["count"] != int64(42) {
		t.Errorf("count = %v, want 42", out["count"])
	}
}

func TestObjectify_PermissionsKeyAlwaysString(t *testing.T) {
	in := map[string]interface{}{"permissions": int64(7)}
	out := Objectify(in).(map[string]interface{})
	if out["permissions"] != "7" {
		t.Errorf("permissions = %v, want \"7\"", out["permissions"])
	}
}

func TestObjectify_NestedSliceAndMap(t *testing.T) {
	in := map[string]interface{}{
		"roles": []interface{}{
			map[string]interface{}{"permissions": int64(99)},
		},
	}
	out := Objectify(in).(map[string]interface{})
	roles := out["roles"].([]interface{})
	role := roles[0].(map[string]interface{})
	if role["permissions"] != "99" {
		t.Errorf("nested permissions = %v, want \"99\"", role["permissions"])
	}
}

func TestObjectify_NegativeLargeInt(t *testing.T) {
	in := map[string]interface{}{"delta": int64(-1) << 40}
	out := Objectify(in).(map[string]interface{})
	if _, ok := out["delta"].(string); !ok {
		t.Errorf("delta = %T, want string", out["delta"])
	}
}

func TestCompressor_StreamAcrossFrames(t *testing.T) {
	c := NewCompressor()
	defer c.Close()

	first, err := c.Compress([]byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("Compress first: %v", err)
	}
	second, err := c.Compress([]byte(`{"b":2}`))
	if err != nil {
		t.Fatalf("Compress second: %v", err)
	}
	if len(first) == 0 || len(second) == 0 {
		t.Fatal("expected non-empty compressed output for both frames")
	}
}

func TestMarshal_JSONRawMessagePassthrough(t *testing.T) {
	raw := json.RawMessage(`{"x":1}`)
	body, err := Marshal(EncodingJSON, raw)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(body) != `{"x":1}` {
		t.Errorf("body = %s, want {\"x\":1}", body)
	}
}
