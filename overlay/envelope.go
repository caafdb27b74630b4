package overlay

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Envelope is the wire message: {type, cmd, data, time, uuid}. Rather than
// one Go struct per command with a hand-rolled binary layout, a single
// Envelope carries an opaque `Data` payload encoded with CBOR; the
// per-command structure lives in payloads.go as typed request/response
// payloads marshaled into Data.
type Envelope struct {
	Type EnvelopeType    `cbor:"type"`
	Cmd  Command         `cbor:"cmd"`
	Data cbor.RawMessage `cbor:"data"`
	Time float64         `cbor:"time"`
	UUID uint32          `cbor:"uuid"`
}

// EncodeEnvelope serializes e for the wire.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	b, err := cbor.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("overlay: encode envelope: %w", err)
	}
	return b, nil
}

// DecodeEnvelope parses a wire frame into an Envelope. Any failure is
// reported as ErrDecodeError so dispatcher.go can close the offending
// neighbor without inspecting the underlying cbor error.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrDecodeError, err)
	}
	return e, nil
}

// encodeData marshals a typed payload into the envelope's Data field.
func encodeData(v any) cbor.RawMessage {
	b, err := cbor.Marshal(v)
	if err != nil {
		// Every payload type here is a plain struct/slice/map of cbor-safe
		// values; a marshal failure would be a programming error, not a
		// runtime condition callers should branch on.
		panic(fmt.Sprintf("overlay: marshal payload: %v", err))
	}
	return b
}

func decodeData[T any](raw cbor.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := cbor.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrDecodeError, err)
	}
	return v, nil
}

var uuidRand = struct {
	mu sync.Mutex
	r  *rand.Rand
}{r: rand.New(rand.NewSource(time.Now().UnixNano()))}

// newUUID returns a uniform random 9-digit correlation id, 1e8 <= uuid <
// 1e9. Despite the name this is not an RFC4122 UUID; the wire format only
// has room for a 9-digit decimal.
func newUUID() uint32 {
	uuidRand.mu.Lock()
	defer uuidRand.mu.Unlock()
	return uint32(1e8 + uuidRand.r.Intn(9e8))
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func newRequest(cmd Command, uuid uint32, payload any) Envelope {
	return Envelope{Type: TypeRequest, Cmd: cmd, UUID: uuid, Time: nowSeconds(), Data: encodeData(payload)}
}

func newResponse(cmd Command, uuid uint32, payload any) Envelope {
	return Envelope{Type: TypeResponse, Cmd: cmd, UUID: uuid, Time: nowSeconds(), Data: encodeData(payload)}
}

func newAck(cmd Command, uuid uint32, deliveries int) Envelope {
	return Envelope{Type: TypeAck, Cmd: cmd, UUID: uuid, Time: nowSeconds(), Data: encodeData(deliveries)}
}
