package wire

import (
	"errors"

	"github.com/go-i2p/go-duplex/lib/overlay"
	"github.com/google/uuid"
	"github.com/samber/oops"
	"google.golang.org/protobuf/encoding/protowire"
)

// FormatVersion is the newest format this package reads and the one it writes.
const FormatVersion byte = 1

// MaxEnvelopeSize is the default cap on an encoded envelope (32 KiB).
const MaxEnvelopeSize = 32 * 1024

var (
	// ErrUnsupportedEnvelopeVersion is returned for data written by a newer peer.
	ErrUnsupportedEnvelopeVersion = errors.New("unsupported envelope version")
	// ErrMalformed is returned for data that cannot be parsed.
	ErrMalformed = errors.New("malformed wire data")
	// ErrEnvelopeTooLarge is returned when an encoded envelope exceeds the size cap.
	ErrEnvelopeTooLarge = errors.New("envelope exceeds maximum size")
)

// Kind tells the receiver what an envelope is for.
type Kind uint64

const (
	KindUnknown Kind = iota
	// KindHello opens a session from the client side.
	KindHello
	// KindData carries an application payload.
	KindData
	// KindRefresh carries only a fresh advertisement.
	KindRefresh
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindData:
		return "data"
	case KindRefresh:
		return "refresh"
	default:
		return "unknown"
	}
}

const (
	envFieldKind          protowire.Number = 1
	envFieldMessageID     protowire.Number = 2
	envFieldPayload       protowire.Number = 3
	envFieldAdvertisement protowire.Number = 4
	envFieldSenderKey     protowire.Number = 5
	envFieldSenderNode    protowire.Number = 6
)

// Envelope is the unit exchanged between peers.
type Envelope struct {
	Kind      Kind
	MessageID uuid.UUID
	Payload   []byte

	// Piggybacked metadata, all optional.
	Advertisement *Advertisement
	SenderKey     *overlay.DirectoryKey
	SenderNode    *overlay.NodeIdentity
}

// IsControl reports whether the envelope carries no application payload.
func (e *Envelope) IsControl() bool {
	return e.Kind != KindData
}

// Marshal encodes e. Envelopes larger than limit are rejected; limit <= 0
// means MaxEnvelopeSize.
func (e *Envelope) Marshal(limit int) ([]byte, error) {
	if limit <= 0 {
		limit = MaxEnvelopeSize
	}
	b := make([]byte, 0, 64+len(e.Payload))
	b = append(b, FormatVersion)

	b = protowire.AppendTag(b, envFieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Kind))

	if e.MessageID != uuid.Nil {
		b = protowire.AppendTag(b, envFieldMessageID, protowire.BytesType)
		b = protowire.AppendBytes(b, e.MessageID[:])
	}
	if len(e.Payload) > 0 {
		b = protowire.AppendTag(b, envFieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload)
	}
	if e.Advertisement != nil {
		b = protowire.AppendTag(b, envFieldAdvertisement, protowire.BytesType)
		b = protowire.AppendBytes(b, appendAdvertisementFields(nil, e.Advertisement))
	}
	if e.SenderKey != nil {
		b = protowire.AppendTag(b, envFieldSenderKey, protowire.BytesType)
		b = protowire.AppendBytes(b, e.SenderKey[:])
	}
	if e.SenderNode != nil {
		b = protowire.AppendTag(b, envFieldSenderNode, protowire.BytesType)
		b = protowire.AppendBytes(b, e.SenderNode[:])
	}

	if len(b) > limit {
		return nil, oops.Wrapf(ErrEnvelopeTooLarge, "%d bytes, limit %d", len(b), limit)
	}
	return b, nil
}

// UnmarshalEnvelope decodes an envelope. Envelopes larger than limit are
// rejected; limit <= 0 means MaxEnvelopeSize.
func UnmarshalEnvelope(b []byte, limit int) (*Envelope, error) {
	if limit <= 0 {
		limit = MaxEnvelopeSize
	}
	if len(b) > limit {
		return nil, oops.Wrapf(ErrEnvelopeTooLarge, "%d bytes, limit %d", len(b), limit)
	}
	body, err := checkVersion(b)
	if err != nil {
		return nil, err
	}

	e := &Envelope{}
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return nil, oops.Wrapf(ErrMalformed, "envelope tag: %s", protowire.ParseError(n))
		}
		body = body[n:]

		if typ == protowire.VarintType && num == envFieldKind {
			v, m := protowire.ConsumeVarint(body)
			if m < 0 {
				return nil, oops.Wrapf(ErrMalformed, "envelope kind: %s", protowire.ParseError(m))
			}
			e.Kind = Kind(v)
			body = body[m:]
			continue
		}

		if typ != protowire.BytesType || num < envFieldMessageID || num > envFieldSenderNode {
			m := protowire.ConsumeFieldValue(num, typ, body)
			if m < 0 {
				return nil, oops.Wrapf(ErrMalformed, "envelope field %d: %s", num, protowire.ParseError(m))
			}
			body = body[m:]
			continue
		}

		v, m := protowire.ConsumeBytes(body)
		if m < 0 {
			return nil, oops.Wrapf(ErrMalformed, "envelope field %d: %s", num, protowire.ParseError(m))
		}
		body = body[m:]
		if err := e.setBytesField(num, v); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Envelope) setBytesField(num protowire.Number, v []byte) error {
	switch num {
	case envFieldMessageID:
		id, err := uuid.FromBytes(v)
		if err != nil {
			return oops.Wrapf(ErrMalformed, "envelope message id: %s", err.Error())
		}
		e.MessageID = id
	case envFieldPayload:
		e.Payload = append([]byte(nil), v...)
	case envFieldAdvertisement:
		adv, err := parseAdvertisementFields(v)
		if err != nil {
			return err
		}
		e.Advertisement = adv
	case envFieldSenderKey:
		if len(v) != len(overlay.DirectoryKey{}) {
			return oops.Wrapf(ErrMalformed, "envelope sender key length %d", len(v))
		}
		var key overlay.DirectoryKey
		copy(key[:], v)
		e.SenderKey = &key
	case envFieldSenderNode:
		if len(v) != len(overlay.NodeIdentity{}) {
			return oops.Wrapf(ErrMalformed, "envelope sender node length %d", len(v))
		}
		var node overlay.NodeIdentity
		copy(node[:], v)
		e.SenderNode = &node
	}
	return nil
}

func checkVersion(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, oops.Wrapf(ErrMalformed, "empty input")
	}
	switch v := b[0]; {
	case v == 0:
		return nil, oops.Wrapf(ErrMalformed, "format version 0")
	case v > FormatVersion:
		return nil, oops.Wrapf(ErrUnsupportedEnvelopeVersion, "version %d, newest supported %d", v, FormatVersion)
	}
	return b[1:], nil
}
