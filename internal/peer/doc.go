// Package peer supervises the radio-side process: it creates the socket
// pairs, launches the peer on them and acts as the signaling session's
// transport opener.
package peer
