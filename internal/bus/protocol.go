// Package bus isolates the NATS client in a worker process.
//
// The owner side (Proxy) and the worker side (Worker) talk over two byte
// streams. The command stream carries owner requests in issue order. The
// event stream multiplexes subscribe replies, connection state transitions,
// deliveries and channel closes; every delivery is tagged with the channel
// id the worker allocated for its subscription. Each envelope is one CBOR
// array, so the streams need no extra framing.
package bus

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Envelope ops. Commands flow owner to worker, the rest worker to owner.
const (
	opPublish = iota + 1
	opSubscribe
	opUnsubscribe
)

const (
	opState = iota + 100
	opSubscribed
	opDeliver
	opChannelClose
)

type envelope struct {
	_       struct{} `cbor:",toarray"`
	Op      byte
	Seq     uint32
	Channel uint32
	State   ConnState
	Subject string
	Data    []byte
	Error   string
}

// ConnState is the worker's bus session state as last reported.
type ConnState uint8

const (
	StateUp ConnState = iota + 1
	StateDown
)

func (s ConnState) String() string {
	switch s {
	case StateUp:
		return "up"
	case StateDown:
		return "down"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Message is one bus delivery.
type Message struct {
	Subject string
	Data    []byte
}

type encoder struct {
	enc *cbor.Encoder
}

func newEncoder(w io.Writer) encoder {
	return encoder{enc: cbor.NewEncoder(w)}
}

func (e encoder) send(env envelope) error {
	return e.enc.Encode(env)
}

type decoder struct {
	dec *cbor.Decoder
}

func newDecoder(r io.Reader) decoder {
	return decoder{dec: cbor.NewDecoder(r)}
}

func (d decoder) next() (envelope, error) {
	var env envelope
	err := d.dec.Decode(&env)
	return env, err
}
