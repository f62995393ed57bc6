package l3

import (
	"errors"
	"fmt"
)

// Protocol discriminators (3GPP TS 24.007 11.2.3.1.1).
const (
	PDCallControl uint8 = 0x03
	PDMM          uint8 = 0x05
	PDRR          uint8 = 0x06
	PDSMS         uint8 = 0x09
	PDSS          uint8 = 0x0b
)

// MM message types (3GPP TS 24.008 10.4).
const (
	MsgIMSIDetach       uint8 = 0x01
	MsgLocUpdAccept     uint8 = 0x02
	MsgLocUpdReject     uint8 = 0x04
	MsgLocUpdRequest    uint8 = 0x08
	MsgAuthReject       uint8 = 0x11
	MsgAuthRequest      uint8 = 0x12
	MsgAuthResponse     uint8 = 0x14
	MsgIdentityRequest  uint8 = 0x18
	MsgIdentityResponse uint8 = 0x19
	MsgAuthFailure      uint8 = 0x1c
	MsgCMServiceAccept  uint8 = 0x21
	MsgCMServiceReject  uint8 = 0x22
	MsgCMServiceRequest uint8 = 0x24
	MsgMMStatus         uint8 = 0x31
	MsgRRPagingResponse uint8 = 0x27
	MsgRRChannelRelease uint8 = 0x0d
)

const (
	mmTypeMask uint8 = 0x3f
	headerLen        = 2
)

// MM reject causes used by the collaborator (3GPP TS 24.008 10.5.3.6).
const (
	CauseIMSIUnknown      uint8 = 0x02
	CauseIllegalMS        uint8 = 0x03
	CauseIMSIUnknownVLR   uint8 = 0x04
	CauseNetworkFailure   uint8 = 0x11
	CauseCongestion       uint8 = 0x16
	CauseServiceNotSubscr uint8 = 0x21
	CauseMACFailure       uint8 = 0x14
	CauseSynchFailure     uint8 = 0x15
)

// Errors.
var (
	ErrShort          = errors.New("l3 message too short")
	ErrNotInitial     = errors.New("not an initial l3 message")
	ErrUnexpectedType = errors.New("unexpected l3 message type")
	ErrBadIdentity    = errors.New("malformed mobile identity")
)

// Message is a decoded layer 3 header with the rest of the octets.
type Message struct {
	PD   uint8
	Type uint8
	Body []byte
}

// Parse splits b into header and body. The body aliases b.
func Parse(b []byte) (Message, error) {
	if len(b) < headerLen {
		return Message{}, fmt.Errorf("%d octets: %w", len(b), ErrShort)
	}
	m := Message{PD: b[0] & 0x0f, Type: b[1], Body: b[headerLen:]}
	if m.PD == PDMM {
		// Bits 7-8 carry the send sequence number in MM.
		m.Type &= mmTypeMask
	}
	return m, nil
}

// IsInitial reports whether m opens a new connection.
func (m Message) IsInitial() bool {
	switch {
	case m.PD == PDMM:
		return m.Type == MsgLocUpdRequest || m.Type == MsgCMServiceRequest || m.Type == MsgIMSIDetach
	case m.PD == PDRR:
		return m.Type == MsgRRPagingResponse
	}
	return false
}

// Name returns a short name for logs.
func (m Message) Name() string {
	if m.PD == PDRR && m.Type == MsgRRPagingResponse {
		return "paging-response"
	}
	if m.PD != PDMM {
		return fmt.Sprintf("pd%d/0x%02x", m.PD, m.Type)
	}
	switch m.Type {
	case MsgIMSIDetach:
		return "imsi-detach"
	case MsgLocUpdAccept:
		return "location-update-accept"
	case MsgLocUpdReject:
		return "location-update-reject"
	case MsgLocUpdRequest:
		return "location-update-request"
	case MsgAuthReject:
		return "auth-reject"
	case MsgAuthRequest:
		return "auth-request"
	case MsgAuthResponse:
		return "auth-response"
	case MsgAuthFailure:
		return "auth-failure"
	case MsgIdentityRequest:
		return "identity-request"
	case MsgIdentityResponse:
		return "identity-response"
	case MsgCMServiceAccept:
		return "cm-service-accept"
	case MsgCMServiceReject:
		return "cm-service-reject"
	case MsgCMServiceRequest:
		return "cm-service-request"
	case MsgMMStatus:
		return "mm-status"
	default:
		return fmt.Sprintf("mm/0x%02x", m.Type)
	}
}

// InitialIdentity returns the mobile identity carried by an initial
// message.
func InitialIdentity(m Message) (Identity, error) {
	if !m.IsInitial() {
		return Identity{}, fmt.Errorf("%s: %w", m.Name(), ErrNotInitial)
	}
	b := m.Body
	switch {
	case m.PD == PDMM && m.Type == MsgLocUpdRequest:
		// LU type + CKSN (1), LAI (5), classmark 1 (1), identity LV.
		if len(b) < 7 {
			return Identity{}, fmt.Errorf("%s: %w", m.Name(), ErrShort)
		}
		b = b[7:]
	case m.PD == PDMM && m.Type == MsgIMSIDetach:
		// Classmark 1 (1), identity LV.
		if len(b) < 1 {
			return Identity{}, fmt.Errorf("%s: %w", m.Name(), ErrShort)
		}
		b = b[1:]
	default:
		// CM service request and paging response: key/type octet (1),
		// classmark 2 LV, identity LV.
		var err error
		if len(b) < 1 {
			return Identity{}, fmt.Errorf("%s: %w", m.Name(), ErrShort)
		}
		if _, b, err = lv(b[1:]); err != nil {
			return Identity{}, fmt.Errorf("%s classmark: %w", m.Name(), err)
		}
	}
	v, _, err := lv(b)
	if err != nil {
		return Identity{}, fmt.Errorf("%s identity: %w", m.Name(), err)
	}
	return ParseIdentity(v)
}

// CKSN returns the ciphering key sequence number the handset offered in an
// initial message, or 7 (no key) when absent.
func CKSN(m Message) uint8 {
	if !m.IsInitial() || len(m.Body) == 0 || m.Type == MsgIMSIDetach {
		return 7
	}
	if m.PD == PDRR {
		return m.Body[0] & 0x07
	}
	return (m.Body[0] >> 4) & 0x07
}

// lv splits a length-value element off b.
func lv(b []byte) (value, rest []byte, err error) {
	if len(b) < 1 || len(b) < 1+int(b[0]) {
		return nil, nil, ErrShort
	}
	n := int(b[0])
	return b[1 : 1+n], b[1+n:], nil
}
