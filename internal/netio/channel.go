package netio

import (
	"context"
	"errors"
	"fmt"

	"github.com/security-geeks/evilbts/internal/ybts"
)

// Channel identifies one of the sockets shared with the peer process.
type Channel uint8

const (
	// ChannelSignaling carries the framed signaling protocol.
	ChannelSignaling Channel = iota

	// ChannelMedia carries bulk media frames tagged with a connection id.
	ChannelMedia

	// ChannelLog carries free-form log lines from the peer.
	ChannelLog
)

// firstInheritedFD is the descriptor number of the first channel in the
// peer process. Channels follow in order: 3 signaling, 4 media, 5 log.
const firstInheritedFD = 3

// MaxDatagramSize bounds a single datagram on any channel.
const MaxDatagramSize = 16384

// String returns the human-readable name of the channel.
func (c Channel) String() string {
	switch c {
	case ChannelSignaling:
		return "signaling"
	case ChannelMedia:
		return "media"
	case ChannelLog:
		return "log"
	default:
		return "unknown"
	}
}

// FD returns the descriptor number under which the peer inherits c.
func (c Channel) FD() int { return firstInheritedFD + int(c) }

// Channels lists every channel in descriptor order.
func Channels() []Channel {
	return []Channel{ChannelSignaling, ChannelMedia, ChannelLog}
}

// Conn is a message-preserving socket: one Send is one datagram, one Recv
// returns one datagram.
type Conn interface {
	Send(b []byte) error
	Recv(ctx context.Context, buf []byte) (int, error)
	Close() error
}

// -------------------------------------------------------------------------
// Sentinel Errors
// -------------------------------------------------------------------------

var (
	// ErrSocketClosed indicates an operation on a closed socket.
	ErrSocketClosed = errors.New("socket closed")

	// ErrTruncated indicates a datagram larger than the receive buffer.
	// It matches ybts.ErrFrameTooLarge.
	ErrTruncated = fmt.Errorf("datagram truncated: %w", ybts.ErrFrameTooLarge)

	// ErrBadDescriptor indicates an inherited descriptor that is not open.
	ErrBadDescriptor = errors.New("bad descriptor")

	// ErrNotUnixSocket indicates a descriptor that is not a unix socket.
	ErrNotUnixSocket = errors.New("descriptor is not a unix socket")

	// ErrShortMediaFrame indicates a media frame without a connection id.
	ErrShortMediaFrame = errors.New("media frame shorter than its header")
)
