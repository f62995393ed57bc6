// Package l3 implements the subset of GSM 04.08 layer 3 the mobility
// collaborator needs: recognising the initial messages of a connection,
// reading the subscriber identity, and the authentication procedure.
// Everything else is carried as opaque bytes.
package l3
