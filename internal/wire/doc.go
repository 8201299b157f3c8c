// Package wire implements the PartyMesh inter-process message protocol.
//
// Every message is a fixed header followed by a kind-specific payload:
//
//	kind   uint16 (big-endian)
//	length uint32 (big-endian)
//	payload length bytes
//
// Payloads are binary-packed: fixed-width big-endian integers, fixed-length
// zero-padded strings for names and notices. The kind set is closed; both
// the directory and the world processes share this codec.
//
// Session wraps one net.Conn and provides framed Send/Receive with
// per-connection FIFO ordering. A header announcing more than MaxPayload
// bytes is a protocol error and fatal to the session.
package wire
