// Package ybts implements the signaling core shared by the two halves of a
// split base-station stack: the radio-facing process and the
// network-facing process.
//
// The package contains the wire codec for the signaling channel, the
// connection registries (circuit and GPRS), the signaling session state
// machine with its handshake and heartbeat supervision, the connection
// lifecycle (usage counting, idle release, hard release, grace period)
// and the authentication coordinator that runs challenge/response
// exchanges on top of a connection.
//
// Everything that interprets message content (GSM L3 grammar, mobility
// rules, radio resource allocation) lives outside this package and is
// reached through the small interfaces in handler.go. Collaborators never
// run while a registry or connection lock is held.
//
// Lock order: Registry.mu before Conn.mu. Nothing in this package calls
// out to a collaborator with either lock held.
package ybts
