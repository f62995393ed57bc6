package l3

import (
	"fmt"

	"github.com/security-geeks/evilbts/internal/ybts"
)

// Optional IEIs of the authentication messages.
const (
	ieiAUTN        uint8 = 0x20
	ieiExtendedRES uint8 = 0x21
	ieiAUTS        uint8 = 0x22
)

const (
	sresLen = 4
	autsLen = 14
)

// Renderer renders authentication messages for the auth coordinator.
type Renderer struct{}

var _ ybts.AuthRenderer = Renderer{}

// AuthRequest renders an MM Authentication Request carrying ch.
func (Renderer) AuthRequest(ch ybts.Challenge) ([]byte, error) {
	out := make([]byte, 0, headerLen+1+len(ch.RAND)+2+len(ch.AUTN))
	out = append(out, PDMM, MsgAuthRequest, ch.CKSN&0x07)
	out = append(out, ch.RAND[:]...)
	if len(ch.AUTN) > 0 {
		if len(ch.AUTN) > 0xff {
			return nil, fmt.Errorf("autn of %d octets: %w", len(ch.AUTN), ErrShort)
		}
		out = append(out, ieiAUTN, byte(len(ch.AUTN)))
		out = append(out, ch.AUTN...)
	}
	return out, nil
}

// AuthReject renders an MM Authentication Reject.
func (Renderer) AuthReject() ([]byte, error) {
	return []byte{PDMM, MsgAuthReject}, nil
}

// ParseAuthRequest decodes an Authentication Request. The radio simulator
// uses it to answer challenges.
func ParseAuthRequest(m Message) (ybts.Challenge, error) {
	if m.PD != PDMM || m.Type != MsgAuthRequest {
		return ybts.Challenge{}, fmt.Errorf("%s: %w", m.Name(), ErrUnexpectedType)
	}
	b := m.Body
	if len(b) < 1+16 {
		return ybts.Challenge{}, fmt.Errorf("auth request: %w", ErrShort)
	}
	var ch ybts.Challenge
	ch.CKSN = b[0] & 0x07
	copy(ch.RAND[:], b[1:17])
	b = b[17:]
	if len(b) > 0 && b[0] == ieiAUTN {
		v, _, err := lv(b[1:])
		if err != nil {
			return ybts.Challenge{}, fmt.Errorf("auth request autn: %w", err)
		}
		ch.AUTN = append([]byte(nil), v...)
	}
	return ch, nil
}

// IsAuthReply reports whether m answers an Authentication Request.
func IsAuthReply(m Message) bool {
	return m.PD == PDMM && (m.Type == MsgAuthResponse || m.Type == MsgAuthFailure)
}

// ParseAuthReply decodes an Authentication Response or Failure into the
// coordinator's response type. RES longer than four octets is joined from
// SRES and the Extended RES element.
func ParseAuthReply(m Message) (ybts.AuthResponse, error) {
	b := m.Body
	switch {
	case m.PD == PDMM && m.Type == MsgAuthResponse:
		if len(b) < sresLen {
			return ybts.AuthResponse{}, fmt.Errorf("auth response: %w", ErrShort)
		}
		res := append([]byte(nil), b[:sresLen]...)
		b = b[sresLen:]
		if len(b) > 0 && b[0] == ieiExtendedRES {
			v, _, err := lv(b[1:])
			if err != nil {
				return ybts.AuthResponse{}, fmt.Errorf("auth response xres: %w", err)
			}
			res = append(res, v...)
		}
		return ybts.AuthResponse{Result: res}, nil

	case m.PD == PDMM && m.Type == MsgAuthFailure:
		if len(b) < 1 {
			return ybts.AuthResponse{}, fmt.Errorf("auth failure: %w", ErrShort)
		}
		resp := ybts.AuthResponse{Failed: true, Cause: b[0]}
		b = b[1:]
		if len(b) > 0 && b[0] == ieiAUTS {
			v, _, err := lv(b[1:])
			if err != nil || len(v) != autsLen {
				return ybts.AuthResponse{}, fmt.Errorf("auth failure auts: %w", ErrShort)
			}
			resp.Resync = append([]byte(nil), v...)
		}
		return resp, nil
	}
	return ybts.AuthResponse{}, fmt.Errorf("%s: %w", m.Name(), ErrUnexpectedType)
}

// RenderAuthResponse renders the handset's answer carrying res.
func RenderAuthResponse(res []byte) []byte {
	if len(res) < sresLen {
		res = append(append([]byte(nil), res...), make([]byte, sresLen-len(res))...)
	}
	out := []byte{PDMM, MsgAuthResponse}
	out = append(out, res[:sresLen]...)
	if ext := res[sresLen:]; len(ext) > 0 {
		out = append(out, ieiExtendedRES, byte(len(ext)))
		out = append(out, ext...)
	}
	return out
}

// RenderAuthFailure renders an Authentication Failure with cause and, for
// synch failures, the AUTS.
func RenderAuthFailure(cause uint8, auts []byte) []byte {
	out := []byte{PDMM, MsgAuthFailure, cause}
	if len(auts) > 0 {
		out = append(out, ieiAUTS, byte(len(auts)))
		out = append(out, auts...)
	}
	return out
}
