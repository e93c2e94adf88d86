// Package archon implements the client-side protocol engine and exposure
// lifecycle state machine for an Archon CCD controller.
//
// The controller speaks a line-oriented, mixed text/binary protocol over
// TCP: short text replies of the form "<XXpayload\n" or "?XXpayload\n", and
// 1024-byte binary chunks of the form "<XX:" followed by raw bytes. Every
// command carries an 8-bit identifier drawn from a bounded pool, and replies
// are demultiplexed back to the command that owns that identifier rather
// than matched by arrival order.
//
// Controller is the public façade: it owns the Connection, the in-flight
// command table and the status bitmask, and exposes the higher-level
// procedures (Reset, Flush, Expose, Readout, Fetch, ReadConfig,
// WriteConfig) that a scientific-exposure actor drives.
package archon
