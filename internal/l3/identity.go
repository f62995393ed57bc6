package l3

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// IdentityType is the type of a mobile identity (3GPP TS 24.008
// 10.5.1.4).
type IdentityType uint8

const (
	IdentityNone   IdentityType = 0
	IdentityIMSI   IdentityType = 1
	IdentityIMEI   IdentityType = 2
	IdentityIMEISV IdentityType = 3
	IdentityTMSI   IdentityType = 4
)

// String returns the human-readable name of the identity type.
func (t IdentityType) String() string {
	switch t {
	case IdentityNone:
		return "none"
	case IdentityIMSI:
		return "imsi"
	case IdentityIMEI:
		return "imei"
	case IdentityIMEISV:
		return "imeisv"
	case IdentityTMSI:
		return "tmsi"
	default:
		return fmt.Sprintf("identity(%d)", uint8(t))
	}
}

// Identity is a decoded mobile identity. Digits is set for IMSI and IMEI
// types, TMSI for the TMSI type.
type Identity struct {
	Type   IdentityType
	Digits string
	TMSI   uint32
}

// String renders the identity as "imsi-001010000000001" or "tmsi-1a2b3c4d".
func (id Identity) String() string {
	if id.Type == IdentityTMSI {
		return fmt.Sprintf("tmsi-%08x", id.TMSI)
	}
	return id.Type.String() + "-" + id.Digits
}

// ParseIdentity decodes the value part of a mobile identity element.
func ParseIdentity(v []byte) (Identity, error) {
	if len(v) == 0 {
		return Identity{}, ErrBadIdentity
	}
	typ := IdentityType(v[0] & 0x07)
	switch typ {
	case IdentityTMSI:
		if len(v) != 5 {
			return Identity{}, fmt.Errorf("tmsi of %d octets: %w", len(v), ErrBadIdentity)
		}
		return Identity{Type: typ, TMSI: binary.BigEndian.Uint32(v[1:])}, nil
	case IdentityIMSI, IdentityIMEI, IdentityIMEISV:
		odd := v[0]&0x08 != 0
		var sb strings.Builder
		sb.WriteByte(bcd(v[0] >> 4))
		for i, o := range v[1:] {
			sb.WriteByte(bcd(o & 0x0f))
			last := i == len(v)-2
			if last && !odd {
				if o>>4 != 0x0f {
					return Identity{}, fmt.Errorf("even identity without filler: %w", ErrBadIdentity)
				}
				break
			}
			sb.WriteByte(bcd(o >> 4))
		}
		return Identity{Type: typ, Digits: sb.String()}, nil
	case IdentityNone:
		return Identity{Type: IdentityNone}, nil
	default:
		return Identity{}, fmt.Errorf("type %d: %w", typ, ErrBadIdentity)
	}
}

// Encode renders the value part of the identity element.
func (id Identity) Encode() ([]byte, error) {
	switch id.Type {
	case IdentityTMSI:
		out := []byte{0xf0 | byte(IdentityTMSI), 0, 0, 0, 0}
		binary.BigEndian.PutUint32(out[1:], id.TMSI)
		return out, nil
	case IdentityIMSI, IdentityIMEI, IdentityIMEISV:
		d := id.Digits
		if d == "" {
			return nil, ErrBadIdentity
		}
		for _, c := range d {
			if c < '0' || c > '9' {
				return nil, fmt.Errorf("digit %q: %w", c, ErrBadIdentity)
			}
		}
		first := byte(id.Type)
		if len(d)%2 == 1 {
			first |= 0x08
		}
		out := []byte{first | (d[0]-'0')<<4}
		for i := 1; i < len(d); i += 2 {
			lo := d[i] - '0'
			hi := byte(0x0f)
			if i+1 < len(d) {
				hi = d[i+1] - '0'
			}
			out = append(out, lo|hi<<4)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("encode %s: %w", id.Type, ErrBadIdentity)
	}
}

func bcd(n byte) byte {
	if n > 9 {
		return '?'
	}
	return '0' + n
}
