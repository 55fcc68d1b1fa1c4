package proto

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrDecode wraps every failure to turn a frame into a Message.
var ErrDecode = errors.New("proto: decode")

// Codec converts frames to and from messages.
type Codec interface {
	Decode(data []byte) (Message, error)
	Encode(m Message) ([]byte, error)
}

// envelope is the outer frame layout: a kind tag plus the variant body.
type envelope struct {
	Kind Kind            `cbor:"kind"`
	Body cbor.RawMessage `cbor:"body,omitempty"`
}

// inbound mirrors envelope; a nil Kind means the tag was absent.
type inbound struct {
	Kind *Kind           `cbor:"kind"`
	Body cbor.RawMessage `cbor:"body,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// deterministic encoding, same message always produces the same bytes
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("proto: CBOR encoder initialization failed: " + err.Error())
	}
	// unknown body fields are ignored for forward compatibility
	decMode, err = cbor.DecOptions{MaxNestedLevels: 16}.DecMode()
	if err != nil {
		panic("proto: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBOR is the Codec used on the wire.
type CBOR struct{}

func (CBOR) Encode(m Message) ([]byte, error) { return Encode(m) }

func (CBOR) Decode(data []byte) (Message, error) { return Decode(data) }

// Encode serializes m into a frame payload.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("proto: encode nil message")
	}
	if _, ok := m.(Unsupported); ok {
		return nil, fmt.Errorf("proto: cannot encode unsupported kind %d", m.Kind())
	}
	var env envelope
	env.Kind = m.Kind()
	if _, ok := m.(Ok); !ok {
		body, err := encMode.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("proto: encode %s: %w", m.Kind(), err)
		}
		env.Body = body
	}
	return encMode.Marshal(env)
}

// Decode parses a frame payload. An envelope with an unrecognized kind
// yields Unsupported rather than an error.
func Decode(data []byte) (Message, error) {
	var env inbound
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrDecode, err)
	}
	if env.Kind == nil {
		return nil, fmt.Errorf("%w: envelope: missing kind", ErrDecode)
	}
	kind := *env.Kind
	var (
		m   Message
		err error
	)
	switch kind {
	case KindOk:
		return Ok{}, nil
	case KindError:
		m, err = decodeBody[Error](env.Body)
	case KindUploadTo:
		m, err = decodeBody[UploadTo](env.Body)
	case KindMetadataReq:
		m, err = decodeBody[MetadataReq](env.Body)
	case KindMetadataRes:
		m, err = decodeBody[MetadataRes](env.Body)
	case KindAuthReq:
		m, err = decodeBody[AuthReq](env.Body)
	case KindAuthRes:
		m, err = decodeBody[AuthRes](env.Body)
	case KindStatusReq:
		m, err = decodeBody[StatusReq](env.Body)
	case KindStatusRes:
		m, err = decodeBody[StatusRes](env.Body)
	default:
		return Unsupported{Type: kind, Body: []byte(env.Body)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", ErrDecode, kind, err)
	}
	return m, nil
}

func decodeBody[T Message](body []byte) (Message, error) {
	var v T
	if len(body) == 0 {
		return nil, errors.New("missing body")
	}
	if err := decMode.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return v, nil
}
