package xdr

import (
	"errors"
	"math"
	"testing"
)

func TestReaderIntegers(t *testing.T) {
	data := []byte{
		0x34, 0x12, // uint16: 0x1234
		0x78, 0x56, 0x34, 0x12, // uint32: 0x12345678
		0xEF, 0xCD, 0xAB, 0x89, 0x67, 0x45, 0x23, 0x01, // uint64
	}
	r := NewReader(data)

	u16, err := r.ReadUint16()
	if err != nil || u16 != 0x1234 {
		t.Fatalf("ReadUint16() = 0x%04X, %v", u16, err)
	}
	u32, err := r.ReadUint32()
	if err != nil || u32 != 0x12345678 {
		t.Fatalf("ReadUint32() = 0x%08X, %v", u32, err)
	}
	u64, err := r.ReadUint64()
	if err != nil || u64 != 0x0123456789ABCDEF {
		t.Fatalf("ReadUint64() = 0x%016X, %v", u64, err)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRoundTrip(t *testing.T) {
	w := NewBufferWriter(16)
	w.WriteByte(7)
	w.WriteInt32(-3)
	w.WriteInt64(-1 << 40)
	w.WriteFloat64(math.Pi)
	w.WriteString("max_level")
	w.WriteBlob([]byte("payload"))

	r := NewReader(w.Bytes())
	if b, _ := r.ReadByte(); b != 7 {
		t.Errorf("ReadByte() = %d, want 7", b)
	}
	if v, _ := r.ReadInt32(); v != -3 {
		t.Errorf("ReadInt32() = %d, want -3", v)
	}
	if v, _ := r.ReadInt64(); v != -1<<40 {
		t.Errorf("ReadInt64() = %d, want %d", v, int64(-1<<40))
	}
	if v, _ := r.ReadFloat64(); v != math.Pi {
		t.Errorf("ReadFloat64() = %v, want Pi", v)
	}
	if s, _ := r.ReadString(); s != "max_level" {
		t.Errorf("ReadString() = %q", s)
	}
	blob, err := r.ReadBlob()
	if err != nil || string(blob) != "payload" {
		t.Errorf("ReadBlob() = %q, %v", blob, err)
	}
}

func TestShortBuffer(t *testing.T) {
	r := NewReader([]byte{1, 2, 3})
	if _, err := r.ReadUint32(); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("ReadUint32() error = %v, want ErrShortBuffer", err)
	}
	if _, err := r.ReadString(); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("ReadString() without terminator error = %v", err)
	}
	if r.Pos() != 0 {
		t.Errorf("Pos() after failed reads = %d, want 0", r.Pos())
	}
	if err := r.Skip(-1); !errors.Is(err, ErrNegativeSize) {
		t.Errorf("Skip(-1) error = %v", err)
	}
}

func TestBlobTooLarge(t *testing.T) {
	w := NewBufferWriter(8)
	w.WriteUint32(100)
	w.WriteBytes([]byte{1, 2})
	if _, err := NewReader(w.Bytes()).ReadBlob(); !errors.Is(err, ErrBlobTooLarge) {
		t.Errorf("ReadBlob() error = %v, want ErrBlobTooLarge", err)
	}
}
