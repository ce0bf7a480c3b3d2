package jsoncodec

import (
	"bytes"
	"strings"
	"testing"
)

type testPayload struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := testPayload{ID: 42, Name: "outrigger"}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out testPayload
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out != in {
		t.Fatalf("expected round trip to match, got %#v", out)
	}

	indented, err := MarshalIndent(in, "", "  ")
	if err != nil || !strings.Contains(string(indented), "\n  \"id\"") {
		t.Fatalf("unexpected indent output %q (%v)", indented, err)
	}
}

func TestEncodeDecodeStream(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, testPayload{ID: 1, Name: "a"}); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var out testPayload
	if err := Decode(&buf, &out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if out.Name != "a" {
		t.Fatalf("unexpected decoded value %#v", out)
	}
}

func TestValid(t *testing.T) {
	if !Valid([]byte(`{"a":1}`)) {
		t.Fatal("expected valid JSON")
	}
	if Valid([]byte(`{"a":`)) {
		t.Fatal("expected invalid JSON")
	}
}
