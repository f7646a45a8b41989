package asf

import (
	"errors"
	"testing"
)

func TestLengthTypeWidth(t *testing.T) {
	t.Parallel()
	tests := []struct {
		lt   LengthType
		want int
	}{
		{LengthAbsent, 0},
		{LengthByte, 1},
		{LengthWord, 2},
		{LengthDWord, 4},
	}
	for _, tt := range tests {
		if got := tt.lt.Width(); got != tt.want {
			t.Errorf("LengthType(%d).Width() = %d, want %d", tt.lt, got, tt.want)
		}
	}
}

func TestLengthTypeAt(t *testing.T) {
	t.Parallel()
	// 0x5D = 01 01 11 01: replicated byte, offset dword, object byte.
	const flags = 0x5D
	if got := lengthTypeAt(flags, 0); got != LengthByte {
		t.Errorf("bits 0-1 = %d, want %d", got, LengthByte)
	}
	if got := lengthTypeAt(flags, 2); got != LengthDWord {
		t.Errorf("bits 2-3 = %d, want %d", got, LengthDWord)
	}
	if got := lengthTypeAt(flags, 4); got != LengthByte {
		t.Errorf("bits 4-5 = %d, want %d", got, LengthByte)
	}
}

func TestCursorField(t *testing.T) {
	t.Parallel()
	c := &cursor{buf: []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}}

	v, err := c.field("absent", LengthAbsent)
	if err != nil || v != 0 || c.pos != 0 {
		t.Fatalf("absent field: v=%d pos=%d err=%v", v, c.pos, err)
	}
	if v, _ = c.field("byte", LengthByte); v != 0x01 {
		t.Errorf("byte = %#x, want 0x01", v)
	}
	if v, _ = c.field("word", LengthWord); v != 0x0302 {
		t.Errorf("word = %#x, want 0x0302", v)
	}
	if v, _ = c.field("dword", LengthDWord); v != 0x07060504 {
		t.Errorf("dword = %#x, want 0x07060504", v)
	}
	if c.remaining() != 0 {
		t.Errorf("remaining = %d, want 0", c.remaining())
	}
}

func TestCursorBounds(t *testing.T) {
	t.Parallel()
	c := &cursor{buf: []byte{0x01, 0x02, 0x03}, pos: 1}

	_, err := c.field("send time", LengthDWord)
	if !errors.Is(err, ErrFieldBounds) {
		t.Fatalf("err = %v, want ErrFieldBounds", err)
	}
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %T, want *ParseError", err)
	}
	if pe.Field != "send time" || pe.Offset != 1 {
		t.Errorf("ParseError = %+v, want field %q at 1", pe, "send time")
	}
	if c.pos != 1 {
		t.Errorf("cursor advanced to %d on failure", c.pos)
	}

	if _, err := c.bytes("body", 3); !errors.Is(err, ErrFieldBounds) {
		t.Errorf("bytes past end: err = %v", err)
	}
	if _, err := c.bytes("body", -1); !errors.Is(err, ErrFieldBounds) {
		t.Errorf("negative bytes: err = %v", err)
	}
}
