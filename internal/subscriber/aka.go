// Package subscriber produces UMTS AKA authentication vectors with
// MILENAGE for subscribers held in the store, and implements the handset
// side of the same procedure for the radio simulator.
package subscriber

import (
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/wmnsk/milenage"
)

const (
	keyLen  = 16
	sqnLen  = 6
	autnLen = 16
	autsLen = 14

	// DefaultAMF has the separation bit set.
	DefaultAMF uint16 = 0x8000

	sqnMask = 1<<48 - 1
)

// Errors.
var (
	ErrBadKey   = errors.New("invalid key")
	ErrBadAUTN  = errors.New("invalid AUTN")
	ErrBadAUTS  = errors.New("invalid AUTS")
	ErrMACFail  = errors.New("MAC verification failed")
	ErrSQNRange = errors.New("sequence number out of range")
)

// Keys are the decoded credentials of one SIM.
type Keys struct {
	K   []byte
	OPc []byte
	AMF uint16
}

// ParseKeys decodes hex Ki and OPc.
func ParseKeys(ki, opc string, amf uint16) (Keys, error) {
	k, err := hex.DecodeString(ki)
	if err != nil || len(k) != keyLen {
		return Keys{}, fmt.Errorf("%w: Ki", ErrBadKey)
	}
	o, err := hex.DecodeString(opc)
	if err != nil || len(o) != keyLen {
		return Keys{}, fmt.Errorf("%w: OPc", ErrBadKey)
	}
	return Keys{K: k, OPc: o, AMF: amf}, nil
}

// Vector is one network-side authentication vector.
type Vector struct {
	RAND [16]byte
	AUTN []byte
	XRES []byte
	CK   []byte
	IK   []byte
}

// SRES folds XRES into the 4-octet GSM response (conversion function c2).
func (v Vector) SRES() []byte { return foldRES(v.XRES) }

func compute(k Keys, rand []byte, sqn uint64, amf uint16) (*milenage.Milenage, error) {
	m := milenage.NewWithOPc(k.K, k.OPc, rand, sqn&sqnMask, amf)
	if err := m.ComputeAll(); err != nil {
		return nil, fmt.Errorf("milenage: %w", err)
	}
	return m, nil
}

// GenerateVector computes the vector for rand at sequence number sqn.
// AUTN is (SQN xor AK) || AMF || MAC-A.
func GenerateVector(k Keys, rand [16]byte, sqn uint64) (Vector, error) {
	if sqn > sqnMask {
		return Vector{}, ErrSQNRange
	}
	m, err := compute(k, rand[:], sqn, k.AMF)
	if err != nil {
		return Vector{}, err
	}
	autn := make([]byte, 0, autnLen)
	autn = append(autn, xor(sqnBytes(sqn), m.AK)...)
	autn = binary.BigEndian.AppendUint16(autn, k.AMF)
	autn = append(autn, m.MACA...)
	return Vector{
		RAND: rand,
		AUTN: autn,
		XRES: clone(m.RES),
		CK:   clone(m.CK),
		IK:   clone(m.IK),
	}, nil
}

// VerifyAUTS checks a resynchronisation token and returns the handset's
// sequence number. MAC-S is computed with a zero AMF.
func VerifyAUTS(k Keys, rand [16]byte, auts []byte) (uint64, error) {
	if len(auts) != autsLen {
		return 0, fmt.Errorf("%w: length %d", ErrBadAUTS, len(auts))
	}
	m, err := compute(k, rand[:], 0, 0)
	if err != nil {
		return 0, err
	}
	sqnMS := sqnUint(xor(auts[:sqnLen], m.AKS))

	m, err = compute(k, rand[:], sqnMS, 0)
	if err != nil {
		return 0, err
	}
	if subtle.ConstantTimeCompare(m.MACS, auts[sqnLen:]) != 1 {
		return 0, fmt.Errorf("AUTS: %w", ErrMACFail)
	}
	return sqnMS, nil
}

// GenerateAUTS builds the token a handset at sequence number sqn returns
// in a synchronisation failure.
func GenerateAUTS(k Keys, rand [16]byte, sqn uint64) ([]byte, error) {
	m, err := compute(k, rand[:], sqn, 0)
	if err != nil {
		return nil, err
	}
	auts := make([]byte, 0, autsLen)
	auts = append(auts, xor(sqnBytes(sqn), m.AKS)...)
	return append(auts, m.MACS...), nil
}

// OpenAUTN verifies AUTN for rand and returns the network's sequence
// number and the RES the handset answers with.
func OpenAUTN(k Keys, rand [16]byte, autn []byte) (uint64, []byte, error) {
	if len(autn) != autnLen {
		return 0, nil, fmt.Errorf("%w: length %d", ErrBadAUTN, len(autn))
	}
	m, err := compute(k, rand[:], 0, 0)
	if err != nil {
		return 0, nil, err
	}
	sqn := sqnUint(xor(autn[:sqnLen], m.AK))
	amf := binary.BigEndian.Uint16(autn[sqnLen:])

	m, err = compute(k, rand[:], sqn, amf)
	if err != nil {
		return 0, nil, err
	}
	if subtle.ConstantTimeCompare(m.MACA, autn[sqnLen+2:]) != 1 {
		return 0, nil, fmt.Errorf("AUTN: %w", ErrMACFail)
	}
	return sqn, clone(m.RES), nil
}

// GSMResponse computes the SRES a handset returns to a challenge without
// AUTN.
func GSMResponse(k Keys, rand [16]byte) ([]byte, error) {
	m, err := compute(k, rand[:], 0, k.AMF)
	if err != nil {
		return nil, err
	}
	return foldRES(m.RES), nil
}

func foldRES(res []byte) []byte {
	out := make([]byte, 4)
	for i, b := range res {
		out[i%4] ^= b
	}
	return out
}

func sqnBytes(sqn uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], sqn)
	return b[8-sqnLen:]
}

func sqnUint(b []byte) uint64 {
	var v uint64
	for _, x := range b[:sqnLen] {
		v = v<<8 | uint64(x)
	}
	return v
}

func xor(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func clone(b []byte) []byte { return append([]byte(nil), b...) }
