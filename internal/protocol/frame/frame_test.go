package frame

import (
	"bytes"
	"errors"
	"testing"
)

func payloadOf(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + 1)
	}
	return p
}

func TestEncodeTakeFirstFrameRoundTrip(t *testing.T) {
	rest := []byte{0x09, 0x00, 0xff}
	for n := 1; n <= MaxPayload; n++ {
		p := payloadOf(n)
		wire, err := Encode(p)
		if err != nil {
			t.Fatalf("encode len=%d: %v", n, err)
		}
		if int(wire[0]) != n {
			t.Fatalf("header mismatch len=%d header=%d", n, wire[0])
		}
		buf := append(wire, rest...)
		got, tail := TakeFirstFrame(buf)
		if !bytes.Equal(got, p) {
			t.Fatalf("payload mismatch len=%d", n)
		}
		if !bytes.Equal(tail, rest) {
			t.Fatalf("rest mismatch len=%d: %v", n, tail)
		}
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	if _, err := Encode(payloadOf(MaxPayload + 1)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestEncodeRejectsEmptyPayload(t *testing.T) {
	for _, p := range [][]byte{nil, {}} {
		wire, err := Encode(p)
		if !errors.Is(err, ErrEmptyPayload) {
			t.Fatalf("expected ErrEmptyPayload, got wire=%v err=%v", wire, err)
		}
	}
}

func TestHasCompleteFrameEmptyBuffer(t *testing.T) {
	ok, err := HasCompleteFrame(nil)
	if ok || err != nil {
		t.Fatalf("empty buffer: ok=%v err=%v", ok, err)
	}
}

func TestHasCompleteFrameZeroHeaderIsCorruption(t *testing.T) {
	for _, buf := range [][]byte{{0x00}, {0x00, 0x01, 0x02}, {0x00, 0x05}} {
		if _, err := HasCompleteFrame(buf); !errors.Is(err, ErrStreamCorruption) {
			t.Fatalf("buf=%v expected ErrStreamCorruption, got %v", buf, err)
		}
	}
}

func TestHasCompleteFrameWellFormedNeverErrors(t *testing.T) {
	for _, n := range []int{1, 2, 17, MaxPayload} {
		wire, err := Encode(payloadOf(n))
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		for cut := 1; cut <= len(wire); cut++ {
			ok, err := HasCompleteFrame(wire[:cut])
			if err != nil {
				t.Fatalf("len=%d cut=%d unexpected err: %v", n, cut, err)
			}
			if want := cut == len(wire); ok != want {
				t.Fatalf("len=%d cut=%d ok=%v want=%v", n, cut, ok, want)
			}
		}
		trailing := append(append([]byte{}, wire...), 0x00, 0x00, 0x00)
		if ok, err := HasCompleteFrame(trailing); !ok || err != nil {
			t.Fatalf("trailing bytes: ok=%v err=%v", ok, err)
		}
	}
}

func TestNextSplitsConcatenatedFrames(t *testing.T) {
	var stream []byte
	want := [][]byte{[]byte("p1"), []byte("second"), {0x01}}
	for _, p := range want {
		wire, err := Encode(p)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		stream = append(stream, wire...)
	}
	for i, p := range want {
		var got []byte
		var err error
		got, stream, err = Next(stream)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !bytes.Equal(got, p) {
			t.Fatalf("frame %d: got %q want %q", i, got, p)
		}
	}
	if _, _, err := Next(stream); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete on drained stream, got %v", err)
	}
}
