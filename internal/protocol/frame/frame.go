package frame

import (
	"errors"
	"fmt"
)

const (
	HeaderLen = 1
	// MaxPayload is the ceiling imposed by the single-byte length header.
	MaxPayload = 255
)

var (
	// ErrStreamCorruption reports a zero length header. A zero-length frame
	// cannot exist on the wire, so the stream is out of sync.
	ErrStreamCorruption = errors.New("frame: zero length header, stream corrupted")
	ErrPayloadTooLarge  = errors.New("frame: payload too large")
	// ErrEmptyPayload rejects the one payload whose header would read as
	// corruption on the receiving side.
	ErrEmptyPayload     = errors.New("frame: empty payload")
	ErrIncomplete       = errors.New("frame: buffer does not hold a complete frame")
)

// Encode prepends the one byte length header to payload, which must hold
// 1 to MaxPayload bytes.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), MaxPayload)
	}
	out := make([]byte, HeaderLen+len(payload))
	out[0] = byte(len(payload))
	copy(out[HeaderLen:], payload)
	return out, nil
}

// HasCompleteFrame reports whether buf starts with one whole wire packet.
// A leading zero byte is a protocol violation, not "no frame yet".
func HasCompleteFrame(buf []byte) (bool, error) {
	if len(buf) == 0 {
		return false, nil
	}
	length := int(buf[0])
	if length == 0 {
		return false, ErrStreamCorruption
	}
	return len(buf)-HeaderLen >= length, nil
}

// TakeFirstFrame splits buf into the first payload and the remaining bytes.
// Callers check HasCompleteFrame first; both results alias buf.
func TakeFirstFrame(buf []byte) (payload, rest []byte) {
	length := int(buf[0])
	end := HeaderLen + length
	return buf[HeaderLen:end], buf[end:]
}

// Next is HasCompleteFrame and TakeFirstFrame in one step.
func Next(buf []byte) (payload, rest []byte, err error) {
	ok, err := HasCompleteFrame(buf)
	if err != nil {
		return nil, buf, err
	}
	if !ok {
		return nil, buf, ErrIncomplete
	}
	payload, rest = TakeFirstFrame(buf)
	return payload, rest, nil
}
