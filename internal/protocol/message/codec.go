package message

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldPing  protowire.Number = 1
	fieldDrive protowire.Number = 2
	fieldStop  protowire.Number = 3

	fieldPingTimestamp protowire.Number = 1

	fieldDriveHeading  protowire.Number = 1
	fieldDriveThrottle protowire.Number = 2
)

// Marshal encodes f as a DriveFrame payload.
func Marshal(f Frame) ([]byte, error) {
	var inner []byte
	var field protowire.Number
	switch v := f.(type) {
	case Ping:
		field = fieldPing
		if v.TimestampMS != 0 {
			inner = protowire.AppendTag(inner, fieldPingTimestamp, protowire.VarintType)
			inner = protowire.AppendVarint(inner, v.TimestampMS)
		}
	case Drive:
		field = fieldDrive
		if v.Heading != 0 {
			inner = protowire.AppendTag(inner, fieldDriveHeading, protowire.VarintType)
			inner = protowire.AppendVarint(inner, uint64(int64(v.Heading)))
		}
		if v.Throttle != 0 {
			inner = protowire.AppendTag(inner, fieldDriveThrottle, protowire.Fixed32Type)
			inner = protowire.AppendFixed32(inner, math.Float32bits(v.Throttle))
		}
	case DriveStop:
		field = fieldStop
	case nil:
		return nil, ErrEmptyFrame
	default:
		return nil, fmt.Errorf("message: unsupported frame type %T", f)
	}
	out := protowire.AppendTag(nil, field, protowire.BytesType)
	return protowire.AppendBytes(out, inner), nil
}

// Unmarshal decodes one DriveFrame payload into its variant.
func Unmarshal(payload []byte) (Frame, error) {
	var (
		found   Frame
		unknown *UnknownVariantError
		count   int
	)
	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			b = b[m:]
			count++
			unknown = &UnknownVariantError{Field: int32(num)}
			continue
		}
		inner, m := protowire.ConsumeBytes(b)
		if m < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
		}
		b = b[m:]
		count++

		var err error
		switch num {
		case fieldPing:
			found, err = decodePing(inner)
		case fieldDrive:
			found, err = decodeDrive(inner)
		case fieldStop:
			found = DriveStop{}
		default:
			unknown = &UnknownVariantError{Field: int32(num)}
		}
		if err != nil {
			return nil, err
		}
	}
	switch {
	case count > 1:
		return nil, ErrMultipleVariants
	case unknown != nil:
		return nil, unknown
	case found == nil:
		return nil, ErrEmptyFrame
	}
	return found, nil
}

func decodePing(b []byte) (Frame, error) {
	var out Ping
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num == fieldPingTimestamp && typ == protowire.VarintType {
			ts, n := protowire.ConsumeVarint(v)
			out.TimestampMS = ts
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, v), nil
	})
	return out, err
}

func decodeDrive(b []byte) (Frame, error) {
	var out Drive
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == fieldDriveHeading && typ == protowire.VarintType:
			h, n := protowire.ConsumeVarint(v)
			out.Heading = int32(h)
			return n, nil
		case num == fieldDriveThrottle && typ == protowire.Fixed32Type:
			bits, n := protowire.ConsumeFixed32(v)
			out.Throttle = math.Float32frombits(bits)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, v), nil
	})
	return out, err
}

// eachField walks an embedded message; fn returns bytes consumed for the value.
func eachField(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}
