package ybts

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// -------------------------------------------------------------------------
// Primitives
// -------------------------------------------------------------------------

// Primitive is the single-byte opcode of a signaling message. Bit 7 clear
// marks a connection-scoped primitive: the frame then carries a 16-bit
// big-endian connection id after the info byte.
type Primitive uint8

// Connection-scoped primitives.
const (
	SigL3Message        Primitive = 0x00
	SigConnRelease      Primitive = 0x01
	SigStartMedia       Primitive = 0x02
	SigStopMedia        Primitive = 0x03
	SigAllocMedia       Primitive = 0x04
	SigMediaError       Primitive = 0x05
	SigMediaStarted     Primitive = 0x06
	SigEstablishSAPI    Primitive = 0x07
	SigPhysicalInfo     Primitive = 0x08
	SigHandoverRequired Primitive = 0x09
	SigHandoverAck      Primitive = 0x0a

	SigGprsAttachRequest Primitive = 0x10
	SigGprsAttachAccept  Primitive = 0x11
	SigGprsAttachReject  Primitive = 0x12
	SigGprsDetach        Primitive = 0x13
	SigGprsDetachAccept  Primitive = 0x14
	SigGprsPdpActivate   Primitive = 0x15
	SigGprsPdpAccept     Primitive = 0x16
	SigGprsPdpReject     Primitive = 0x17
	SigGprsPdpDeactivate Primitive = 0x18
	gprsPrimitiveFirst             = SigGprsAttachRequest
	gprsPrimitiveLast              = SigGprsPdpDeactivate
)

// Session-scoped primitives.
const (
	SigHandshake       Primitive = 0x80
	SigRadioReady      Primitive = 0x81
	SigStartPaging     Primitive = 0x82
	SigStopPaging      Primitive = 0x83
	SigNeighborsList   Primitive = 0x84
	SigHandoverRequest Primitive = 0x85
	SigHandoverReject  Primitive = 0x86
	SigHeartbeat       Primitive = 0xff
)

// sessionScopeBit is set on every session-scoped primitive.
const sessionScopeBit = 0x80

// ReleaseHardFlag is bit 0 of the info byte of SigConnRelease. When set the
// radio side tears the channel down immediately instead of running the
// normal release procedure.
const ReleaseHardFlag uint8 = 0x01

// ConnScoped reports whether the primitive carries a connection id.
func (p Primitive) ConnScoped() bool { return p&sessionScopeBit == 0 }

// IsGprs reports whether the primitive belongs to the packet-session family.
func (p Primitive) IsGprs() bool {
	return p >= gprsPrimitiveFirst && p <= gprsPrimitiveLast
}

// Known reports whether the primitive is part of the protocol.
func (p Primitive) Known() bool {
	_, ok := primitiveTable[p]
	return ok
}

// Format returns the payload sub-format used by the primitive.
func (p Primitive) Format() PayloadFormat {
	if info, ok := primitiveTable[p]; ok {
		return info.format
	}
	return PayloadNone
}

// String returns the protocol name of the primitive.
func (p Primitive) String() string {
	if info, ok := primitiveTable[p]; ok {
		return info.name
	}
	return fmt.Sprintf(unknownFmt, uint8(p))
}

const (
	unknownStr = "Unknown"
	unknownFmt = "Unknown(0x%02x)"
)

type primitiveInfo struct {
	name   string
	format PayloadFormat
}

//nolint:gochecknoglobals // primitive registry is intentionally package-level.
var primitiveTable = map[Primitive]primitiveInfo{
	SigL3Message:        {"L3Message", PayloadHex},
	SigConnRelease:      {"ConnRelease", PayloadParams},
	SigStartMedia:       {"StartMedia", PayloadParams},
	SigStopMedia:        {"StopMedia", PayloadNone},
	SigAllocMedia:       {"AllocMedia", PayloadParams},
	SigMediaError:       {"MediaError", PayloadParams},
	SigMediaStarted:     {"MediaStarted", PayloadNone},
	SigEstablishSAPI:    {"EstablishSAPI", PayloadNone},
	SigPhysicalInfo:     {"PhysicalInfo", PayloadParams},
	SigHandoverRequired: {"HandoverRequired", PayloadParams},
	SigHandoverAck:      {"HandoverAck", PayloadParams},

	SigGprsAttachRequest: {"GprsAttachRequest", PayloadTree},
	SigGprsAttachAccept:  {"GprsAttachAccept", PayloadTree},
	SigGprsAttachReject:  {"GprsAttachReject", PayloadTree},
	SigGprsDetach:        {"GprsDetach", PayloadTree},
	SigGprsDetachAccept:  {"GprsDetachAccept", PayloadTree},
	SigGprsPdpActivate:   {"GprsPdpActivate", PayloadTree},
	SigGprsPdpAccept:     {"GprsPdpAccept", PayloadTree},
	SigGprsPdpReject:     {"GprsPdpReject", PayloadTree},
	SigGprsPdpDeactivate: {"GprsPdpDeactivate", PayloadTree},

	SigHandshake:       {"Handshake", PayloadNone},
	SigRadioReady:      {"RadioReady", PayloadParams},
	SigStartPaging:     {"StartPaging", PayloadParams},
	SigStopPaging:      {"StopPaging", PayloadParams},
	SigNeighborsList:   {"NeighborsList", PayloadTree},
	SigHandoverRequest: {"HandoverRequest", PayloadParams},
	SigHandoverReject:  {"HandoverReject", PayloadParams},
	SigHeartbeat:       {"Heartbeat", PayloadNone},
}

// -------------------------------------------------------------------------
// Message
// -------------------------------------------------------------------------

// Message is one decoded signaling frame. Only the payload field matching
// Primitive.Format is encoded; the others are ignored.
type Message struct {
	// Primitive is the opcode (byte 0).
	Primitive Primitive

	// Info is the primitive-specific info byte (byte 1): the SAPI for
	// L3Message, the protocol version for Handshake, ReleaseHardFlag for
	// ConnRelease.
	Info uint8

	// ConnID is the connection id (bytes 2-3). Meaningful only when
	// HasConn is true.
	ConnID uint16

	// HasConn is true when ConnID was set by the sender or read from the
	// wire. Connection-scoped messages without it cannot be encoded.
	HasConn bool

	// Params holds the key=value payload.
	Params Params

	// Data holds the binary payload carried hex-encoded on the wire.
	Data []byte

	// Tree holds the element-tree payload.
	Tree *Element

	// Error marks a frame that could not be interpreted: unknown
	// primitive or malformed payload. Raw then holds the undecoded
	// payload bytes.
	Error bool
	Raw   []byte
}

// NewConnMessage returns a connection-scoped message for id.
func NewConnMessage(p Primitive, info uint8, id uint16) *Message {
	return &Message{Primitive: p, Info: info, ConnID: id, HasConn: true}
}

// NewSessionMessage returns a session-scoped message.
func NewSessionMessage(p Primitive, info uint8) *Message {
	return &Message{Primitive: p, Info: info}
}

// String renders a short description for logs.
func (m *Message) String() string {
	if m.HasConn {
		return fmt.Sprintf("%s(info=%d conn=%d)", m.Primitive, m.Info, m.ConnID)
	}
	return fmt.Sprintf("%s(info=%d)", m.Primitive, m.Info)
}

// -------------------------------------------------------------------------
// Codec Errors
// -------------------------------------------------------------------------

// Sentinel errors returned by the codec.
var (
	// ErrFrameTooShort indicates the frame is shorter than its header.
	ErrFrameTooShort = errors.New("frame too short")

	// ErrUnknownPrimitive indicates byte 0 is not a protocol primitive.
	ErrUnknownPrimitive = errors.New("unknown primitive")

	// ErrMissingConnID indicates a connection-scoped message without a
	// connection id was handed to the encoder.
	ErrMissingConnID = errors.New("connection-scoped message without connection id")

	// ErrBufTooSmall indicates the output buffer cannot hold the frame.
	ErrBufTooSmall = errors.New("buffer too small")

	// ErrMalformedPayload indicates the payload does not match the
	// primitive's sub-format.
	ErrMalformedPayload = errors.New("malformed payload")
)

// -------------------------------------------------------------------------
// Buffer Pool
// -------------------------------------------------------------------------

const (
	// MaxMessageSize bounds a single signaling frame. Socket readers
	// allocate buffers of this size.
	MaxMessageSize = 16384

	sessionHeaderLen = 2
	connHeaderLen    = 4
)

// MessagePool provides reusable receive buffers of MaxMessageSize bytes.
// Callers Get a *[]byte, use it for one read and Put it back.
//
//nolint:gochecknoglobals // sync.Pool is intended to be package-level.
var MessagePool = sync.Pool{
	New: func() any {
		b := make([]byte, MaxMessageSize)
		return &b
	},
}

// -------------------------------------------------------------------------
// Encoding
// -------------------------------------------------------------------------

// HeaderLen returns the header size used by the primitive.
func HeaderLen(p Primitive) int {
	if p.ConnScoped() {
		return connHeaderLen
	}
	return sessionHeaderLen
}

// MarshalMessage encodes msg into buf and returns the number of bytes
// written. The payload sub-format is selected by the primitive.
func MarshalMessage(msg *Message, buf []byte) (int, error) {
	if !msg.Primitive.Known() {
		return 0, fmt.Errorf("marshal %s: %w", msg.Primitive, ErrUnknownPrimitive)
	}
	if msg.Primitive.ConnScoped() && !msg.HasConn {
		return 0, fmt.Errorf("marshal %s: %w", msg.Primitive, ErrMissingConnID)
	}

	hl := HeaderLen(msg.Primitive)
	if len(buf) < hl {
		return 0, fmt.Errorf("marshal %s: need %d bytes, have %d: %w",
			msg.Primitive, hl, len(buf), ErrBufTooSmall)
	}

	buf[0] = uint8(msg.Primitive)
	buf[1] = msg.Info
	if msg.Primitive.ConnScoped() {
		binary.BigEndian.PutUint16(buf[2:4], msg.ConnID)
	}

	n, err := encodePayload(msg, buf[hl:])
	if err != nil {
		return 0, fmt.Errorf("marshal %s: %w", msg.Primitive, err)
	}

	return hl + n, nil
}

// AppendMessage encodes msg into a freshly allocated slice.
func AppendMessage(dst []byte, msg *Message) ([]byte, error) {
	buf := make([]byte, MaxMessageSize)
	n, err := MarshalMessage(msg, buf)
	if err != nil {
		return dst, err
	}
	return append(dst, buf[:n]...), nil
}

func encodePayload(msg *Message, out []byte) (int, error) {
	var payload []byte
	var err error

	switch msg.Primitive.Format() {
	case PayloadNone:
		return 0, nil
	case PayloadParams:
		payload, err = msg.Params.MarshalText()
	case PayloadHex:
		payload = encodeHex(msg.Data)
	case PayloadTree:
		if msg.Tree == nil {
			return 0, nil
		}
		payload, err = msg.Tree.MarshalText()
	}
	if err != nil {
		return 0, err
	}

	if len(payload) > len(out) {
		return 0, fmt.Errorf("payload %d bytes, room for %d: %w",
			len(payload), len(out), ErrBufTooSmall)
	}
	return copy(out, payload), nil
}

// -------------------------------------------------------------------------
// Decoding
// -------------------------------------------------------------------------

// UnmarshalMessage decodes one frame into msg. On an unknown primitive or a
// malformed payload msg is still filled in (with Error set and Raw holding
// the payload) and the returned error wraps ErrUnknownPrimitive or
// ErrMalformedPayload. Framing errors leave msg untouched.
//
// Payload byte slices in msg never alias buf.
func UnmarshalMessage(buf []byte, msg *Message) error {
	if len(buf) < sessionHeaderLen {
		return fmt.Errorf("unmarshal: %d bytes: %w", len(buf), ErrFrameTooShort)
	}

	p := Primitive(buf[0])
	hl := HeaderLen(p)
	if len(buf) < hl {
		return fmt.Errorf("unmarshal %s: %d bytes: %w", p, len(buf), ErrFrameTooShort)
	}

	*msg = Message{Primitive: p, Info: buf[1]}
	if p.ConnScoped() {
		msg.ConnID = binary.BigEndian.Uint16(buf[2:4])
		msg.HasConn = true
	}

	payload := buf[hl:]

	if !p.Known() {
		msg.Error = true
		msg.Raw = cloneBytes(payload)
		return fmt.Errorf("unmarshal: %s: %w", p, ErrUnknownPrimitive)
	}

	if err := decodePayload(msg, payload); err != nil {
		msg.Error = true
		msg.Raw = cloneBytes(payload)
		return fmt.Errorf("unmarshal %s: %w: %w", p, ErrMalformedPayload, err)
	}

	return nil
}

func decodePayload(msg *Message, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}

	switch msg.Primitive.Format() {
	case PayloadParams:
		return msg.Params.UnmarshalText(payload)
	case PayloadHex:
		data, err := decodeHex(payload)
		if err != nil {
			return err
		}
		msg.Data = data
	case PayloadTree:
		tree := &Element{}
		if err := tree.UnmarshalText(payload); err != nil {
			return err
		}
		msg.Tree = tree
	case PayloadNone:
		// Trailing bytes on an empty-payload primitive are ignored.
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
