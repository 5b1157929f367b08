// Package wire defines the byte formats exchanged by duplex peers: the route
// advertisement stored in the directory and the envelope carried by every
// overlay message.
//
// # Format
//
// Both formats start with a single format-version byte followed by protobuf
// wire-encoded fields. Decoders skip fields they do not know, so peers can add
// fields without bumping the version. A peer that sees a version byte newer
// than FormatVersion rejects the message with ErrUnsupportedEnvelopeVersion.
//
//	Envelope fields:
//	  1 kind         varint
//	  2 message_id   bytes (16)
//	  3 payload      bytes
//	  4 advertisement bytes (nested Advertisement fields, no version byte)
//	  5 sender_key   bytes (32)
//	  6 sender_node  bytes (32)
//
//	Advertisement fields:
//	  1 route_blob   bytes
//	  2 version      varint
package wire
