package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		{ID: 1, Type: TypeString, Value: []byte("intent-1")},
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	b := EncodeFields(in)
	out, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestTypedFieldAccessors(t *testing.T) {
	fields := []Field{
		String(1, "token"),
		I32(2, -7),
		Bool(3, true),
		Bytes(4, []byte{0x01}),
	}
	out, err := DecodeFields(EncodeFields(fields))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	s, err := out[0].AsString()
	if err != nil || s != "token" {
		t.Fatalf("string accessor: %q %v", s, err)
	}
	n, err := out[1].AsI32()
	if err != nil || n != -7 {
		t.Fatalf("i32 accessor: %d %v", n, err)
	}
	b, err := out[2].AsBool()
	if err != nil || !b {
		t.Fatalf("bool accessor: %v %v", b, err)
	}
	raw, err := out[3].AsBytes()
	if err != nil || !bytes.Equal(raw, []byte{0x01}) {
		t.Fatalf("bytes accessor: %v %v", raw, err)
	}
	if _, err := out[0].AsU32(); !errors.Is(err, ErrFieldTypeMismatch) {
		t.Fatalf("expected ErrFieldTypeMismatch, got %v", err)
	}
}

func TestBoolAccessorRejectsInvalidByte(t *testing.T) {
	f := Field{ID: 1, Type: TypeBool, Value: []byte{2}}
	if _, err := f.AsBool(); !errors.Is(err, ErrInvalidBool) {
		t.Fatalf("expected ErrInvalidBool, got %v", err)
	}
}
