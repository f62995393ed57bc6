// Package netio provides the local sockets shared with the peer process.
//
// Every channel is an AF_UNIX SOCK_SEQPACKET socket pair created with
// golang.org/x/sys/unix. The peer inherits its ends as descriptors 3
// (signaling), 4 (media) and 5 (log). MediaChannel and LogReader serve
// the two auxiliary channels; the signaling channel is driven by the
// ybts session.
package netio
