// Package message defines the drive frame variants carried inside wire
// packets and their payload encoding.
//
// Payloads use the protobuf wire format of
//
//	message DriveFrame {
//	  oneof frame {
//	    Ping  ping  = 1;
//	    Drive drive = 2;
//	    Stop  stop  = 3;
//	  }
//	}
//	message Ping  { uint64 timestamp_ms = 1; }
//	message Drive { int32 heading = 1; float throttle = 2; }
//	message Stop  {}
//
// Exactly one variant is set per frame.
package message

import (
	"errors"
	"fmt"
	"math"
)

// Kind is the variant tag of a frame.
type Kind string

const (
	KindPing      Kind = "ping"
	KindDrive     Kind = "drive"
	KindDriveStop Kind = "drive_stop"
)

// Kinds lists every known variant in field order.
var Kinds = []Kind{KindPing, KindDrive, KindDriveStop}

var (
	ErrEmptyFrame       = errors.New("message: frame selects no variant")
	ErrMultipleVariants = errors.New("message: frame selects more than one variant")
	ErrMalformed        = errors.New("message: malformed payload")
)

// UnknownVariantError reports a variant field this build does not know.
type UnknownVariantError struct {
	Field int32
}

func (e *UnknownVariantError) Error() string {
	return fmt.Sprintf("message: unknown frame variant field=%d", e.Field)
}

// Frame is the sealed set of drive frame variants.
type Frame interface {
	Kind() Kind
	isFrame()
}

// Ping carries the sender clock; the robot echoes it back unchanged.
type Ping struct {
	TimestampMS uint64
}

// Drive is one motion command. Heading is in whole degrees.
type Drive struct {
	Heading  int32
	Throttle float32
}

// DriveStop halts the motors.
type DriveStop struct{}

func (Ping) Kind() Kind      { return KindPing }
func (Drive) Kind() Kind     { return KindDrive }
func (DriveStop) Kind() Kind { return KindDriveStop }

func (Ping) isFrame()      {}
func (Drive) isFrame()     {}
func (DriveStop) isFrame() {}

// Binary wraps a frame so it satisfies encoding.BinaryMarshaler.
type Binary struct {
	Frame Frame
}

func (b Binary) MarshalBinary() ([]byte, error) {
	return Marshal(b.Frame)
}

// HeadingDegrees converts an operator heading in radians to the nearest
// whole degree carried by Drive.
func HeadingDegrees(rad float64) int32 {
	return int32(math.Round(rad * 180 / math.Pi))
}
