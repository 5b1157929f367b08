package wire

import (
	"bytes"

	"github.com/samber/oops"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	advFieldRouteBlob protowire.Number = 1
	advFieldVersion   protowire.Number = 2
)

// Advertisement is a peer's published reachability record.
type Advertisement struct {
	RouteBlob []byte
	Version   uint64
}

// NewerThan reports whether a should replace other. A nil other is always
// older.
func (a *Advertisement) NewerThan(other *Advertisement) bool {
	if a == nil {
		return false
	}
	if other == nil {
		return true
	}
	return a.Version > other.Version
}

// SameRoute reports whether both advertisements point at the same route blob.
func (a *Advertisement) SameRoute(other *Advertisement) bool {
	if a == nil || other == nil {
		return false
	}
	return bytes.Equal(a.RouteBlob, other.RouteBlob)
}

// Clone returns a deep copy.
func (a *Advertisement) Clone() *Advertisement {
	if a == nil {
		return nil
	}
	return &Advertisement{
		RouteBlob: append([]byte(nil), a.RouteBlob...),
		Version:   a.Version,
	}
}

// MarshalAdvertisement encodes a for storage in the directory.
func MarshalAdvertisement(a *Advertisement) ([]byte, error) {
	if a == nil {
		return nil, oops.Errorf("cannot marshal nil advertisement")
	}
	if len(a.RouteBlob) == 0 {
		return nil, oops.Errorf("advertisement has empty route blob")
	}
	b := []byte{FormatVersion}
	return appendAdvertisementFields(b, a), nil
}

// UnmarshalAdvertisement decodes a directory value written by MarshalAdvertisement.
func UnmarshalAdvertisement(b []byte) (*Advertisement, error) {
	body, err := checkVersion(b)
	if err != nil {
		return nil, err
	}
	return parseAdvertisementFields(body)
}

func appendAdvertisementFields(b []byte, a *Advertisement) []byte {
	b = protowire.AppendTag(b, advFieldRouteBlob, protowire.BytesType)
	b = protowire.AppendBytes(b, a.RouteBlob)
	b = protowire.AppendTag(b, advFieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, a.Version)
	return b
}

func parseAdvertisementFields(b []byte) (*Advertisement, error) {
	a := &Advertisement{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, oops.Wrapf(ErrMalformed, "advertisement tag: %s", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == advFieldRouteBlob && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, oops.Wrapf(ErrMalformed, "advertisement route blob: %s", protowire.ParseError(m))
			}
			a.RouteBlob = append([]byte(nil), v...)
			n = m
		case num == advFieldVersion && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, oops.Wrapf(ErrMalformed, "advertisement version: %s", protowire.ParseError(m))
			}
			a.Version = v
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, oops.Wrapf(ErrMalformed, "advertisement field %d: %s", num, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	if len(a.RouteBlob) == 0 {
		return nil, oops.Wrapf(ErrMalformed, "advertisement without route blob")
	}
	return a, nil
}
