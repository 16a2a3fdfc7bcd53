package binlog

import (
	"reflect"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := Entry{
		Op:    OpLock,
		User:  "c0ffee-uuid",
		Key:   "/locks/a",
		Value: []byte("session-7"),
		Term:  42,
	}

	got, err := Decode(Encode(e))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(e, got) {
		t.Fatalf("round trip mismatch: want %+v, got %+v", e, got)
	}
}

func TestEncodeDecodeEmptyFields(t *testing.T) {
	e := Entry{Op: OpNop, Term: 1}

	got, err := Decode(Encode(e))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(e, got) {
		t.Fatalf("round trip mismatch: want %+v, got %+v", e, got)
	}
}

func TestDecodeTooShort(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error decoding truncated entry")
	}
}
